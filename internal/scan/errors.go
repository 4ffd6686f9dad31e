package scan

import "codeberg.org/mutker/netsentry/internal/errors"

const (
	ErrInvalidSubnet = errors.ErrorCode("scan_invalid_subnet")
	ErrSweepFailed   = errors.ErrorCode("scan_sweep_failed")
	ErrNoInterface   = errors.ErrorCode("scan_no_usable_interface")
	ErrIngestFailed  = errors.ErrorCode("scan_ingest_failed")
)
