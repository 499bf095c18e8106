// SPDX-License-Identifier: MIT

// Package validate accumulates configuration problems so a broken config
// surfaces every issue in one pass instead of one per restart.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Error is a single failed check, tied to the config field that failed it.
type Error struct {
	Field   string
	Value   any
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects Errors across a sequence of checks. Zero checks failing
// means Err returns nil.
type Validator struct {
	errors []Error
}

// ValidationError is the combined result of a failed validation run.
type ValidationError struct {
	errors []Error
}

// New returns an empty Validator.
func New() *Validator {
	return &Validator{errors: make([]Error, 0)}
}

// AddError records a failed check directly, for conditions the typed
// helpers do not cover.
func (v *Validator) AddError(field, message string, value any) {
	v.errors = append(v.errors, Error{Field: field, Value: value, Message: message})
}

// IsValid reports whether every check so far passed.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors exposes the individual failures collected so far.
func (v *Validator) Errors() []Error {
	return v.errors
}

// Err folds the collected failures into a single error, or nil when all
// checks passed.
func (v *Validator) Err() error {
	if v.IsValid() {
		return nil
	}
	return ValidationError{errors: slices.Clone(v.errors)}
}

// Errors returns the failures behind this error.
func (e ValidationError) Errors() []Error {
	return e.errors
}

func (e ValidationError) Error() string {
	switch len(e.errors) {
	case 0:
		return ""
	case 1:
		return e.errors[0].Error()
	}
	msgs := make([]string, len(e.errors))
	for i, err := range e.errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// URL checks that value parses, has a host, and uses one of the allowed
// schemes (any scheme passes when allowedSchemes is empty).
func (v *Validator) URL(field, value string, allowedSchemes []string) {
	if value == "" {
		v.AddError(field, "URL cannot be empty", value)
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid URL: %v", err), value)
		return
	}
	if u.Host == "" {
		v.AddError(field, "URL must have a host", value)
		return
	}
	if len(allowedSchemes) > 0 && !slices.Contains(allowedSchemes, u.Scheme) {
		v.AddError(field,
			fmt.Sprintf("unsupported URL scheme %q (allowed: %v)", u.Scheme, allowedSchemes),
			value)
	}
}

// HostPort checks a listen address of the form "host:port" or ":port".
func (v *Validator) HostPort(field, value string) {
	if value == "" {
		v.AddError(field, "address cannot be empty", value)
		return
	}
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid host:port address: %v", err), value)
		return
	}
	if port == "" {
		v.AddError(field, "address must include a port", value)
	}
}

// Range checks an integer against inclusive bounds.
func (v *Validator) Range(field string, value, minVal, maxVal int) {
	if value < minVal || value > maxVal {
		v.AddError(field,
			fmt.Sprintf("value must be between %d and %d, got %d", minVal, maxVal, value),
			value)
	}
}

// FloatRange checks a float against inclusive bounds.
func (v *Validator) FloatRange(field string, value, minVal, maxVal float64) {
	if value < minVal || value > maxVal {
		v.AddError(field,
			fmt.Sprintf("value must be between %v and %v, got %v", minVal, maxVal, value),
			value)
	}
}

// Directory checks a directory path. With mustExist false, a missing
// directory is created so the daemon can start from an empty data dir.
// Traversal sequences are rejected before anything touches the filesystem.
func (v *Validator) Directory(field, path string, mustExist bool) {
	if path == "" {
		v.AddError(field, "directory path cannot be empty", path)
		return
	}
	if strings.Contains(path, "..") {
		v.AddError(field, "path contains traversal sequences (..)", path)
		return
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid path: %v", err), path)
		return
	}

	info, err := os.Stat(absPath)
	switch {
	case os.IsNotExist(err):
		if mustExist {
			v.AddError(field, "directory does not exist", path)
			return
		}
		if err := os.MkdirAll(absPath, 0o750); err != nil {
			v.AddError(field, fmt.Sprintf("cannot create directory: %v", err), path)
		}
	case err != nil:
		v.AddError(field, fmt.Sprintf("cannot access directory: %v", err), path)
	case !info.IsDir():
		v.AddError(field, "path is not a directory", path)
	}
}

// NotEmpty rejects empty and whitespace-only strings.
func (v *Validator) NotEmpty(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "value cannot be empty", value)
	}
}

// OneOf checks membership in a fixed set of allowed values.
func (v *Validator) OneOf(field, value string, allowed []string) {
	if !slices.Contains(allowed, value) {
		v.AddError(field,
			fmt.Sprintf("value must be one of %v, got %q", allowed, value),
			value)
	}
}

// Positive requires value > 0.
func (v *Validator) Positive(field string, value int) {
	if value <= 0 {
		v.AddError(field, fmt.Sprintf("value must be positive, got %d", value), value)
	}
}

// NonNegative requires value >= 0.
func (v *Validator) NonNegative(field string, value int) {
	if value < 0 {
		v.AddError(field, fmt.Sprintf("value cannot be negative, got %d", value), value)
	}
}
