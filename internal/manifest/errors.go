package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by loaders that have no manifest for a domain.
	// It is never fatal; resolution moves on to the next source.
	ErrNotFound = errors.New("manifest not found")

	// ErrNotManifest marks content that does not parse as a manifest under
	// the dual-encoding policy.
	ErrNotManifest = errors.New("content is not a manifest")

	// ErrInvalidManifest marks a recognized manifest with a malformed field.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrUnknownPredicate marks a success predicate kind nobody can evaluate.
	ErrUnknownPredicate = errors.New("unknown success predicate")

	// ErrMissingSection is returned when an operation needs a section the
	// manifest does not declare.
	ErrMissingSection = errors.New("manifest section missing")

	// ErrMissingLocator is returned when a required locator is not declared
	// or matches nothing on the page.
	ErrMissingLocator = errors.New("required locator missing")
)

// ConfigError ties a manifest failure to the field that caused it.
type ConfigError struct {
	Field string
	Err   error
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("manifest field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("manifest field %q: %v: %s", e.Field, e.Err, e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps kind with the offending field path.
func NewConfigError(field string, kind error, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: kind, Msg: fmt.Sprintf(format, args...)}
}

func invalidf(field, format string, args ...any) error {
	return NewConfigError(field, ErrInvalidManifest, format, args...)
}

// UnknownPredicateError names the predicate kind that could not be interpreted.
type UnknownPredicateError struct {
	Kind string
}

func (e *UnknownPredicateError) Error() string {
	return fmt.Sprintf("unknown success predicate %q", e.Kind)
}

func (e *UnknownPredicateError) Unwrap() error { return ErrUnknownPredicate }
