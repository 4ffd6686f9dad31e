package notify

import "codeberg.org/mutker/netsentry/internal/errors"

const (
	ErrChannelDisabled      = errors.ErrorCode("notify_channel_disabled")
	ErrChannelMisconfigured = errors.ErrorCode("notify_channel_misconfigured")
	ErrUnknownChannel       = errors.ErrorCode("notify_unknown_channel")
	ErrSendFailed           = errors.ErrorCode("notify_send_failed")
	ErrChannelPanic         = errors.ErrorCode("notify_channel_panic")
	ErrSendTimeout          = errors.ErrTimeout
)

func disabled(kind string) error {
	return errors.New().WithData(ErrChannelDisabled, struct{ Channel string }{Channel: kind})
}

func misconfigured(kind, reason string) error {
	return errors.New().WithData(ErrChannelMisconfigured, struct {
		Channel string
		Reason  string
	}{Channel: kind, Reason: reason})
}
