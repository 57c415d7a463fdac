package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnsupportedJobType = errors.New("unsupported job type")
	ErrProviderFailure    = errors.New("provider failure")
)
