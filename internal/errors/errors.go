// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A collector for validation errors

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Span errors. These indicate a caller bug, never bad input data.
	ErrMalformedSpan   = errors.New("malformed span")
	ErrSplitOutOfRange = errors.New("split point must lie strictly inside the interval")
	ErrSplitPoint      = errors.New("points cannot be split")
	ErrInvertedTrim    = errors.New("trim produces an inverted range")

	// Partition / query errors
	ErrInvalidBucketSize = errors.New("invalid bucket size")
	ErrInvalidRange      = errors.New("invalid time range")
	ErrTooManyBuckets    = errors.New("too many buckets")

	// Catalog errors, always scoped to one metric
	ErrUnknownBucketType      = errors.New("unknown bucket type")
	ErrInconsistentBucketType = errors.New("inconsistent bucket type")

	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrMetricNotFound = errors.New("metric not found")

	// Validation errors
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Storage errors
	ErrStoreClosed     = errors.New("store is closed")
	ErrDatabase        = errors.New("database error")
	ErrWriterClosed    = errors.New("parquet writer is closed")
	ErrLogClosed       = errors.New("write-ahead log is closed")
	ErrMessageTooLarge = errors.New("message too large")

	// Recorder errors
	ErrNotRunning    = errors.New("recorder not running")
	ErrEventsDropped = errors.New("event dropped under backpressure")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsSpanError returns true if err comes from an invalid split or trim.
func IsSpanError(err error) bool {
	return errors.Is(err, ErrMalformedSpan) ||
		errors.Is(err, ErrSplitOutOfRange) ||
		errors.Is(err, ErrSplitPoint) ||
		errors.Is(err, ErrInvertedTrim)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMetricNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidBucketSize) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrTooManyBuckets)
}

// IsLoadError returns true if err describes a metric that could not be
// turned into a series.
func IsLoadError(err error) bool {
	return errors.Is(err, ErrUnknownBucketType) ||
		errors.Is(err, ErrInconsistentBucketType) ||
		errors.Is(err, ErrMalformedSpan)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
