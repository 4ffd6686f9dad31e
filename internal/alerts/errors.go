package alerts

import "codeberg.org/mutker/netsentry/internal/errors"

const (
	ErrInvalidEvent = errors.ErrorCode("alerts_invalid_event")
	ErrLoadRules    = errors.ErrorCode("alerts_load_rules_failed")
	ErrRecordFiring = errors.ErrorCode("alerts_record_firing_failed")
)
