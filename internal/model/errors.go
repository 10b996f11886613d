package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports a setup mistake: bad metric registration, a poller
// started without a SQL caller, an invalid definition file. It is never
// retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// NewConfigError returns a ConfigError carrying a stack trace.
func NewConfigError(format string, args ...any) error {
	return errors.WithStack(&ConfigError{Reason: fmt.Sprintf(format, args...)})
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
