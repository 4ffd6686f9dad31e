package api

import "codeberg.org/mutker/netsentry/internal/errors"

const ErrServe = errors.ErrorCode("api_serve_failed")
