package core

import (
	"fmt"
	"strings"
)

type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid flag config: %s: %v", e.Reason, e.Err)
	}
	return "invalid flag config: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "detected a cycle between flags: " + strings.Join(e.Path, " -> ")
}
