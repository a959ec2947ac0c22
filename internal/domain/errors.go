// Package domain contains the callback dispatch entities shared by every stage
// of the pipeline: compiled plans, runtime contexts, requests and results.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource with the same identifier already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidDescription marks compile-time defects in a callback description.
	// These never reach the queue.
	ErrInvalidDescription = errors.New("invalid callback description")

	// ErrResolution marks runtime URL or body resolution failures. They are
	// authoring defects and are raised before anything is enqueued.
	ErrResolution = errors.New("callback resolution failed")

	// ErrInvalidTransition is returned by stores when a lifecycle transition
	// does not start from the expected status.
	ErrInvalidTransition = errors.New("invalid callback status transition")

	// ErrQueueClosed is returned when enqueueing into or reading from a closed queue.
	ErrQueueClosed = errors.New("callback queue closed")
)

// Resolution failure reasons. They are part of the error message so callers
// and tests can grep for them.
const (
	ReasonRequestBodyNull    = "request body is null"
	ReasonDefaultBaseURINull = "DefaultBaseUri is null"
	ReasonMissingToken       = "missing runtime variable"
	ReasonPointerNotFound    = "json pointer did not resolve"
	ReasonUnsupportedExpr    = "unsupported runtime expression"
	ReasonMalformedTemplate  = "malformed url template"
	ReasonInvalidURL         = "resolved url is invalid"
	ReasonBodySerialization  = "body serialization failed"
)

// ResolutionError describes why a callback could not be turned into a request.
type ResolutionError struct {
	Reason   string
	Subject  string
	Template string
	Err      error
}

func (e *ResolutionError) Error() string {
	msg := "callback resolution: " + e.Reason
	if e.Subject != "" {
		msg += fmt.Sprintf(" %q", e.Subject)
	}
	if e.Template != "" {
		msg += fmt.Sprintf(" (template %q)", e.Template)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrResolution, e.Err}
	}
	return []error{ErrResolution}
}
