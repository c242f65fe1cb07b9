package rotator

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned by operations that need an open connection.
var ErrNotConnected = errors.New("rotor not connected")

// ConnectionError reports a failure to open a connection to the controller.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %q: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid setting or request parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
