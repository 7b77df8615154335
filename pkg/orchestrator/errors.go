// Package orchestrator implements the resource lifecycle coordinator: the
// per-kind create/update/delete use cases, attribute inheritance for new
// processes, cascading deletion, and the read-time live-status overlay.
package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an orchestration failure for the caller.
type ErrorKind string

const (
	// ErrorKindValidation indicates a client input error. Nothing was
	// written.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindNotFound indicates the referenced resource does not exist
	// or is deleted.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindConflict indicates a uniqueness or single-default violation.
	ErrorKindConflict ErrorKind = "conflict"

	// ErrorKindInUse indicates the resource is still referenced by a
	// process and cannot be deleted.
	ErrorKindInUse ErrorKind = "in_use"

	// ErrorKindNoViableNode indicates placement found no live worker. The
	// persisted row was transitioned to ERROR.
	ErrorKindNoViableNode ErrorKind = "no_viable_node"

	// ErrorKindBackend indicates the external backend failed.
	ErrorKindBackend ErrorKind = "backend"

	// ErrorKindDispatch indicates the command could not be enqueued. The
	// persisted row was transitioned to ERROR.
	ErrorKindDispatch ErrorKind = "dispatch"
)

// Error is a classified orchestration error with resource context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource id that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// NewValidationError creates a client input error.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: ErrorKindValidation, Message: message, Err: err}
}

// NewNotFoundError creates a missing-resource error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Kind: ErrorKindNotFound, Message: message, Err: err}
}

// NewConflictError creates a uniqueness violation error.
func NewConflictError(message string, err error) *Error {
	return &Error{Kind: ErrorKindConflict, Message: message, Err: err}
}

// NewInUseError creates a still-referenced error.
func NewInUseError(message string, err error) *Error {
	return &Error{Kind: ErrorKindInUse, Message: message, Err: err}
}

// NewNoViableNodeError creates a placement failure error.
func NewNoViableNodeError(message string, err error) *Error {
	return &Error{Kind: ErrorKindNoViableNode, Message: message, Err: err}
}

// NewBackendError creates an external backend failure error.
func NewBackendError(message string, err error) *Error {
	return &Error{Kind: ErrorKindBackend, Message: message, Err: err}
}

// NewDispatchError creates an enqueue failure error.
func NewDispatchError(message string, err error) *Error {
	return &Error{Kind: ErrorKindDispatch, Message: message, Err: err}
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsValidation returns true for client input errors.
func IsValidation(err error) bool { return isKind(err, ErrorKindValidation) }

// IsNotFound returns true for missing-resource errors.
func IsNotFound(err error) bool { return isKind(err, ErrorKindNotFound) }

// IsConflict returns true for uniqueness violations.
func IsConflict(err error) bool { return isKind(err, ErrorKindConflict) }

// IsInUse returns true for still-referenced errors.
func IsInUse(err error) bool { return isKind(err, ErrorKindInUse) }

// IsNoViableNode returns true for placement failures.
func IsNoViableNode(err error) bool { return isKind(err, ErrorKindNoViableNode) }

// IsBackend returns true for backend failures.
func IsBackend(err error) bool { return isKind(err, ErrorKindBackend) }

// IsDispatch returns true for enqueue failures.
func IsDispatch(err error) bool { return isKind(err, ErrorKindDispatch) }
