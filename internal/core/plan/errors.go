// Package plan contains the plan model and plan file parsing.
// Parsing is pure except for host path expansion of mount sources.
package plan

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput  = errors.New("plan definition is empty")
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	ErrMissingName  = errors.New("plan must have a name")
	ErrMissingImage = errors.New("plan must have an image")

	ErrInvalidPort       = errors.New("invalid port configuration")
	ErrDuplicateHostPort = errors.New("host port exposed more than once")
	ErrInvalidMount      = errors.New("invalid volume configuration")
	ErrInvalidEnv        = errors.New("invalid environment configuration")

	ErrPlanNotFound = errors.New("plan not found")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "ports[1]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
