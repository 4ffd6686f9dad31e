package alerts

import "codeberg.org/mutker/netsentry/internal/models"

// DefaultRules returns the rule set installed into an empty registry.
func DefaultRules(latencyThreshold, packetLossThreshold float64) []*models.AlertRule {
	latency := latencyThreshold
	loss := packetLossThreshold

	return []*models.AlertRule{
		{
			Name:            "Device offline",
			Condition:       models.ConditionDeviceOffline,
			Level:           models.LevelCritical,
			Channels:        []models.ChannelKind{models.ChannelInApp, models.ChannelEmail, models.ChannelTelegram},
			Enabled:         true,
			ThrottleMinutes: 10,
		},
		{
			Name:            "High latency",
			Condition:       models.ConditionHighLatency,
			Level:           models.LevelWarning,
			Channels:        []models.ChannelKind{models.ChannelInApp},
			Enabled:         true,
			Threshold:       &latency,
			ThrottleMinutes: 15,
		},
		{
			Name:            "High packet loss",
			Condition:       models.ConditionHighPacketLoss,
			Level:           models.LevelWarning,
			Channels:        []models.ChannelKind{models.ChannelInApp},
			Enabled:         true,
			Threshold:       &loss,
			ThrottleMinutes: 15,
		},
		{
			Name:            "New device",
			Condition:       models.ConditionDeviceNew,
			Level:           models.LevelInfo,
			Channels:        []models.ChannelKind{models.ChannelInApp, models.ChannelTelegram},
			Enabled:         true,
			ThrottleMinutes: 0,
		},
		{
			Name:            "Unauthorized device",
			Condition:       models.ConditionDeviceUnauthorized,
			Level:           models.LevelCritical,
			Channels:        []models.ChannelKind{models.ChannelInApp, models.ChannelEmail, models.ChannelTelegram},
			Enabled:         true,
			ThrottleMinutes: 5,
		},
	}
}
