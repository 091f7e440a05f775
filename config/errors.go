package config

import "errors"

// Static errors for runtime configuration
var (
	ErrConfigNil          = errors.New("config cannot be nil")
	ErrUnsupportedFormat  = errors.New("unsupported config file format")
	ErrRequiredFieldEmpty = errors.New("required config field is empty")
	ErrInvalidConfig      = errors.New("invalid runtime config")
	ErrNoModuleSource     = errors.New("no module source configured")
)
