package sensors

import "codeberg.org/mutker/netsentry/internal/errors"

const (
	ErrUnknownKind   = errors.ErrorCode("sensors_unknown_kind")
	ErrInvalidConfig = errors.ErrorCode("sensors_invalid_config")
	ErrCollectFailed   = errors.ErrorCode("sensors_collect_failed")
)

func invalidOption(key, value string, err error) error {
	return errors.New().Wrap(ErrInvalidConfig, err).WithData(struct {
		Key   string
		Value string
	}{Key: key, Value: value})
}

func collectFailed(kind string, err error) error {
	return errors.New().Wrap(ErrCollectFailed, err).WithData(struct{ Kind string }{Kind: kind})
}
