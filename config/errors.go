package config

import "fmt"

// Error indicates a malformed or invalid configuration. Configuration
// problems are fatal and surface before any broker or socket work.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config error in %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
