package poller

import "codeberg.org/mutker/netsentry/internal/errors"

const (
	ErrListDevices   = errors.ErrorCode("poller_list_devices_failed")
	ErrCollectorInit = errors.ErrorCode("poller_collector_init_failed")
	ErrCollectPanic  = errors.ErrorCode("poller_collect_panic")
)
