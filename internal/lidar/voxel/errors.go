package voxel

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by New when the grid geometry or capacity
	// limits cannot produce a usable grid.
	ErrInvalidConfig = errors.New("voxel: invalid config")

	// ErrInvalidInput is returned by Convert for structurally malformed input.
	ErrInvalidInput = errors.New("voxel: invalid input")
)

// ConfigError describes which construction parameter was rejected.
// It unwraps to ErrInvalidConfig.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InputError describes a malformed conversion input. Row is the offending
// point index, or -1 when the buffer as a whole is malformed.
// It unwraps to ErrInvalidInput.
type InputError struct {
	Row    int
	Reason string
}

func (e *InputError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("%v: %s", ErrInvalidInput, e.Reason)
	}
	return fmt.Sprintf("%v: point %d: %s", ErrInvalidInput, e.Row, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }
