package chaterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError reports input that was rejected before any request was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for the given field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// BusyError is returned when a session is already active for the conversation.
type BusyError struct{}

func (e *BusyError) Error() string {
	return "a message is already being processed"
}

// NetworkError wraps a connection failure that happened before any data was
// received.
type NetworkError struct {
	URL     string
	wrapped error
}

func (e *NetworkError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("network: %v", e.wrapped)
	}
	return fmt.Sprintf("network: %s: %v", e.URL, e.wrapped)
}

func (e *NetworkError) Unwrap() error { return e.wrapped }

// WrapNetwork wraps err as a NetworkError for the given URL.
func WrapNetwork(err error, url string) *NetworkError {
	return &NetworkError{URL: url, wrapped: err}
}

// APIError is a non-2xx HTTP response from the backend.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// ImportError reports a malformed persisted or imported conversation document.
type ImportError struct {
	Reason string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import: %s", e.Reason)
}

// CancelledError marks a user-initiated abort.
type CancelledError struct{}

func (e *CancelledError) Error() string {
	return "request cancelled"
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsBusy(err error) bool {
	var target *BusyError
	return errors.As(err, &target)
}

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsAPI(err error) bool {
	var target *APIError
	return errors.As(err, &target)
}

func IsImport(err error) bool {
	var target *ImportError
	return errors.As(err, &target)
}

func IsCancelled(err error) bool {
	var target *CancelledError
	return errors.As(err, &target)
}
