// Package sailerr implements sail's classified error taxonomy. The core
// never uses panics or Go's error interface alone for control flow: every
// boundary that can fail returns either a value or a *SailError carrying
// enough structure for the executor's failure summary and for a caller to
// decide whether to retry.
package sailerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category classifies a SailError for reporting and retry-policy purposes.
type Category string

// The fixed set of categories from the error taxonomy.
const (
	CategoryConfiguration Category = "configuration"
	CategoryDependency    Category = "dependency"
	CategoryFileSystem    Category = "filesystem"
	CategoryExecution     Category = "execution"
	CategoryBuild         Category = "build"
	CategoryWorker        Category = "worker"
	CategoryValidation    Category = "validation"
	CategoryNetwork       Category = "network"
	CategoryInternal      Category = "internal"
)

// SailError is the classified error type threaded through the core.
type SailError struct {
	category     Category
	context      map[string]interface{}
	userMessage  string
	isRetryable  bool
	cause        error
}

// New builds a SailError with no wrapped cause.
func New(category Category, userMessage string) *SailError {
	return &SailError{category: category, userMessage: userMessage}
}

// Wrap classifies an existing error, preserving it as the cause via
// github.com/pkg/errors so that %+v still prints the original stack.
func Wrap(cause error, category Category, userMessage string) *SailError {
	return &SailError{
		category:    category,
		userMessage: userMessage,
		cause:       errors.Wrap(cause, userMessage),
	}
}

// WithContext attaches a key-value pair of diagnostic context and returns
// the receiver for chaining.
func (e *SailError) WithContext(key string, value interface{}) *SailError {
	if e.context == nil {
		e.context = make(map[string]interface{})
	}
	e.context[key] = value
	return e
}

// Retryable marks the error as retryable and returns the receiver.
func (e *SailError) Retryable() *SailError {
	e.isRetryable = true
	return e
}

// Category returns the error's classification.
func (e *SailError) Category() Category { return e.category }

// Context returns the diagnostic context attached to the error.
func (e *SailError) Context() map[string]interface{} { return e.context }

// IsRetryable reports whether a caller may retry the failing boundary once.
func (e *SailError) IsRetryable() bool { return e.isRetryable }

// Error implements the error interface.
func (e *SailError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.category, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.category, e.userMessage)
}

// Unwrap allows errors.As/errors.Is to see through to the wrapped cause.
func (e *SailError) Unwrap() error { return e.cause }

// UserMessage returns the human-facing message, distinct from Error()'s
// category-prefixed form.
func (e *SailError) UserMessage() string { return e.userMessage }

// As reports whether err is (or wraps) a *SailError, and if so returns it.
func As(err error) (*SailError, bool) {
	var se *SailError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Configuration builds a Configuration-category error.
func Configuration(format string, args ...interface{}) *SailError {
	return New(CategoryConfiguration, fmt.Sprintf(format, args...))
}

// Dependency builds a Dependency-category error.
func Dependency(format string, args ...interface{}) *SailError {
	return New(CategoryDependency, fmt.Sprintf(format, args...))
}

// FileSystem builds a retryable FileSystem-category error wrapping cause.
func FileSystem(cause error, format string, args ...interface{}) *SailError {
	return Wrap(cause, CategoryFileSystem, fmt.Sprintf(format, args...)).Retryable()
}

// Execution builds a non-retryable Execution-category error.
func Execution(format string, args ...interface{}) *SailError {
	return New(CategoryExecution, fmt.Sprintf(format, args...))
}

// Build builds a Build-category error.
func Build(format string, args ...interface{}) *SailError {
	return New(CategoryBuild, fmt.Sprintf(format, args...))
}

// BuildTimeout builds the retryable timeout variant of a Build error.
func BuildTimeout(format string, args ...interface{}) *SailError {
	return New(CategoryBuild, fmt.Sprintf(format, args...)).Retryable()
}

// Worker builds a retryable Worker-category error (IPC failure; caller may
// fall back to a direct spawn).
func Worker(cause error, format string, args ...interface{}) *SailError {
	return Wrap(cause, CategoryWorker, fmt.Sprintf(format, args...)).Retryable()
}

// Validation builds a Validation-category error (malformed manifest, hash
// mismatch on restore); the caller should treat the entry as a miss.
func Validation(format string, args ...interface{}) *SailError {
	return New(CategoryValidation, fmt.Sprintf(format, args...))
}

// Internal builds an Internal-category error for invariant violations.
func Internal(format string, args ...interface{}) *SailError {
	return New(CategoryInternal, fmt.Sprintf(format, args...))
}
