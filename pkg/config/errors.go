package config

import (
	"errors"
	"strings"
)

// ErrInvalid is matched by every ConfigError.
var ErrInvalid = errors.New("invalid configuration")

// ConfigError lists every problem found in one configuration file. It is
// fatal at startup.
type ConfigError struct {
	Path     string
	Problems []string
}

func (e *ConfigError) Error() string {
	return "config " + e.Path + ": " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalid
}
