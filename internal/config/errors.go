package config

import "fmt"

// ConfigurationError reports a malformed or unreadable configuration document.
// It is fatal: the run aborts before any task executes.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Kind() string { return "ConfigurationError" }

// MissingRequirementError reports an absent requirement file.
type MissingRequirementError struct {
	Path string
}

func (e *MissingRequirementError) Error() string {
	return fmt.Sprintf("requirement file %s not found", e.Path)
}

func (e *MissingRequirementError) Kind() string { return "MissingRequirementError" }
