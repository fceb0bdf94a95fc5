package health

import (
	"errors"
	"fmt"
)

var (
	ErrPortOutOfRange = errors.New("health: port outside valid TCP range 1-65535")
	ErrNilState       = errors.New("health: readiness state is nil")
)

// ConfigError indicates an invalid health server configuration. It is
// fatal and raised at construction time, before any work starts.
type ConfigError struct {
	Op   string
	Port int
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("health configuration error: %s (port %d): %v", e.Op, e.Port, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
