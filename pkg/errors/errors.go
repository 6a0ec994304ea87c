package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates that a graph document or mapping specification could not be parsed
	ErrConfig = errors.New("invalid configuration document")

	// ErrWorkflowNotFound indicates that no stored workflow exists for the requested name
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrAssetNotFound indicates that a referenced asset does not exist at its source
	ErrAssetNotFound = errors.New("asset not found")

	// ErrFetch indicates a transport failure while fetching an asset
	ErrFetch = errors.New("asset fetch failed")

	// ErrEngineUnavailable indicates that the render engine did not respond to a health probe
	ErrEngineUnavailable = errors.New("render engine unavailable")

	// ErrNoOutput indicates that a completed render produced no discoverable artifact
	ErrNoOutput = errors.New("no output artifact found")
)

// Error represents a structured service error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsConfig checks if an error is a configuration error
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsNotFound checks if an error is a workflow or asset not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrAssetNotFound)
}

// IsFetch checks if an error is an asset transport error
func IsFetch(err error) bool {
	return errors.Is(err, ErrFetch)
}
