package models

import (
	"fmt"
	"strings"
)

type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline:
		return true
	default:
		return false
	}
}

// Level is alert severity.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelInfo     Level = "info"
	LevelDebug    Level = "debug"
)

func (l Level) Valid() bool {
	switch l {
	case LevelCritical, LevelWarning, LevelInfo, LevelDebug:
		return true
	default:
		return false
	}
}

func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(s))
	if !l.Valid() {
		return "", fmt.Errorf("unknown alert level %q", s)
	}
	return l, nil
}

// Condition is what a rule reacts to.
type Condition string

const (
	ConditionDeviceNew          Condition = "device_new"
	ConditionDeviceReappeared   Condition = "device_reappeared"
	ConditionDeviceOffline      Condition = "device_offline"
	ConditionDeviceUnauthorized Condition = "device_unauthorized"
	ConditionHighLatency        Condition = "high_latency"
	ConditionHighPacketLoss     Condition = "high_packet_loss"
)

func (c Condition) Valid() bool {
	switch c {
	case ConditionDeviceNew, ConditionDeviceReappeared, ConditionDeviceOffline,
		ConditionDeviceUnauthorized, ConditionHighLatency, ConditionHighPacketLoss:
		return true
	default:
		return false
	}
}

// IsNumeric reports whether the condition compares an observed value
// against a rule threshold.
func (c Condition) IsNumeric() bool {
	return c == ConditionHighLatency || c == ConditionHighPacketLoss
}

func ParseCondition(s string) (Condition, error) {
	c := Condition(strings.ToLower(s))
	if !c.Valid() {
		return "", fmt.Errorf("unknown condition %q", s)
	}
	return c, nil
}

// ChannelKind names a notification transport.
type ChannelKind string

const (
	ChannelInApp    ChannelKind = "in_app"
	ChannelEmail    ChannelKind = "email"
	ChannelTelegram ChannelKind = "telegram"
	ChannelWebhook  ChannelKind = "webhook"
)

func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelInApp, ChannelEmail, ChannelTelegram, ChannelWebhook:
		return true
	default:
		return false
	}
}

func ParseChannelKind(s string) (ChannelKind, error) {
	k := ChannelKind(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return k, nil
}

// SensorKind is the collection strategy of a sensor.
type SensorKind string

const (
	SensorPing      SensorKind = "ping"
	SensorPort      SensorKind = "port"
	SensorHTTP      SensorKind = "http"
	SensorBandwidth SensorKind = "bandwidth"
	SensorSNMP      SensorKind = "snmp"
)

func (k SensorKind) Valid() bool {
	switch k {
	case SensorPing, SensorPort, SensorHTTP, SensorBandwidth, SensorSNMP:
		return true
	default:
		return false
	}
}

func ParseSensorKind(s string) (SensorKind, error) {
	k := SensorKind(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("unknown sensor kind %q", s)
	}
	return k, nil
}

type SensorStatus string

const (
	SensorOK      SensorStatus = "ok"
	SensorWarning SensorStatus = "warning"
	SensorError   SensorStatus = "error"
	SensorUnknown SensorStatus = "unknown"
)
