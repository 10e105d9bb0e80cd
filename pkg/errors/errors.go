// Package errors defines the typed error taxonomy used across the matching
// engine and the auto-apply gate.
//
// Two error classes exist:
//   - fatal configuration-time errors (scope and config categories) that
//     abort a run before any record is touched, and
//   - recoverable per-proposal outcomes during auto-apply, which are carried
//     as reason codes in the apply summary rather than raised.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Category represents a broad class of errors
type Category string

const (
	CategoryScope    Category = "scope"
	CategoryConfig   Category = "configuration"
	CategoryMatching Category = "matching"
	CategoryApply    Category = "apply"
	CategoryStorage  Category = "storage"
	CategoryInternal Category = "internal"
)

// Code represents a specific error code within a category
type Code string

const (
	// Scope errors: candidate selection received mixed companies or
	// currencies. Fatal for the run.
	CodeScopeMismatch Code = "scope_mismatch"

	// Configuration errors. Fatal at validation time.
	CodeInvalidConfig  Code = "invalid_config"
	CodeInvalidWeights Code = "invalid_weights"

	// Apply outcomes. Recoverable, proposal-local.
	CodeLockConflict      Code = "lock_conflict"
	CodeAlreadyReconciled Code = "already_reconciled"
	CodeMixedCompany      Code = "mixed_company"
	CodeMissingRecord     Code = "missing_record"
	CodeOverlapInBatch    Code = "overlap_in_batch"

	// Storage errors.
	CodeStorageFailure Code = "storage_failure"

	// Internal errors.
	CodeUnexpected Code = "unexpected_error"
)

// Error is the typed error carried through the reconciliation core.
type Error struct {
	Category   Category          `json:"category"`
	Code       Code              `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional structured information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error aborts a run before any record is
// touched. Scope and configuration errors are fatal; everything else is a
// recoverable outcome.
func (e *Error) IsFatal() bool {
	return e.Category == CategoryScope || e.Category == CategoryConfig
}

// GetExitCode returns an appropriate process exit code for the error
func (e *Error) GetExitCode() int {
	switch e.Category {
	case CategoryScope:
		return 2
	case CategoryConfig:
		return 3
	case CategoryMatching:
		return 4
	case CategoryApply, CategoryStorage:
		return 5
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// New creates a new Error
func New(category Category, code Code, message string) *Error {
	return &Error{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with category and code context
func Wrap(err error, category Category, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// ScopeMismatch creates a fatal scope error for mixed companies or currencies
// observed during candidate selection.
func ScopeMismatch(detail string, values []string) *Error {
	return New(CategoryScope, CodeScopeMismatch,
		fmt.Sprintf("scope mismatch: %s: [%s]", detail, strings.Join(values, ", "))).
		WithSuggestion("run reconciliation per company and per currency").
		WithContext("values", values)
}

// ConfigError creates a fatal configuration error
func ConfigError(code Code, setting string, value interface{}) *Error {
	return New(CategoryConfig, code,
		fmt.Sprintf("invalid configuration for '%s': %v", setting, value)).
		WithSuggestion("check the pipeline configuration documentation for valid values").
		WithContext("setting", setting).
		WithContext("value", value)
}

// ApplyError creates a proposal-local apply error
func ApplyError(code Code, message string, cause error) *Error {
	if cause != nil {
		return Wrap(cause, CategoryApply, code, message)
	}
	return New(CategoryApply, code, message)
}

// StorageError wraps a storage failure. A nil cause still produces a
// storage-category error.
func StorageError(operation string, cause error) *Error {
	message := fmt.Sprintf("storage failure during %s", operation)
	e := New(CategoryStorage, CodeStorageFailure, message)
	if cause != nil {
		e = Wrap(cause, CategoryStorage, CodeStorageFailure, message)
	}
	return e.WithContext("operation", operation)
}

// As extracts an *Error from an error chain
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// HasCode reports whether an error chain contains an *Error with the code
func HasCode(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}
