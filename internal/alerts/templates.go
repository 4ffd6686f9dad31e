package alerts

import (
	"fmt"

	"codeberg.org/mutker/netsentry/internal/models"
)

// render builds the alert message for rule and ev. It falls back to the rule
// name when the condition has no template or the event lacks what it needs.
func render(rule *models.AlertRule, ev models.Event) string {
	if msg, ok := renderTemplate(rule, ev); ok {
		return msg
	}
	return rule.Name
}

func renderTemplate(rule *models.AlertRule, ev models.Event) (string, bool) {
	d := ev.Device
	if d == nil {
		return "", false
	}

	switch ev.Condition {
	case models.ConditionDeviceNew:
		return fmt.Sprintf("New device detected: %s (%s)", d.DisplayName(), d.IP), true
	case models.ConditionDeviceOffline:
		return fmt.Sprintf("Device %s (%s) went offline", d.DisplayName(), d.IP), true
	case models.ConditionDeviceReappeared:
		return fmt.Sprintf("Device %s (%s) is back online", d.DisplayName(), d.IP), true
	case models.ConditionDeviceUnauthorized:
		return fmt.Sprintf("Unauthorized device on the network: %s (%s, %s)", d.DisplayName(), d.IP, d.MAC), true
	case models.ConditionHighLatency:
		if ev.Value == nil || rule.Threshold == nil {
			return "", false
		}
		return fmt.Sprintf("High latency on %s: %.1f ms (threshold %.0f ms)",
			d.DisplayName(), *ev.Value, *rule.Threshold), true
	case models.ConditionHighPacketLoss:
		if ev.Value == nil || rule.Threshold == nil {
			return "", false
		}
		return fmt.Sprintf("Packet loss on %s: %.1f%% (threshold %.0f%%)",
			d.DisplayName(), *ev.Value, *rule.Threshold), true
	default:
		return "", false
	}
}
