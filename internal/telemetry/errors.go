package telemetry

import "codeberg.org/mutker/netsentry/internal/errors"

const (
	ErrRegisterCollector = errors.ErrorCode("telemetry_register_collector_failed")
)
