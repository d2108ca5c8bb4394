// Package apperr defines the error taxonomy shared by every component:
// validation, transient, business, timeout, poison, and fatal errors, each
// carrying a stable machine code. HTTP handlers and bus consumers branch on
// the kind; users only ever see {"error": {"code", "message", "details"}}.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindValidation - envelope/schema/definition invalid. Rejected at the
	// boundary, user-visible, never retried.
	KindValidation Kind = iota
	// KindTransient - a dependency (bus/DB/KV) is unavailable or partial.
	// Retried with bounded backoff; surfaced as 503 or a requeued message.
	KindTransient
	// KindBusiness - a rule violation: terminal-state mutation, surface not
	// bound, agent not registered, stage mismatch. 4xx, never retried.
	KindBusiness
	// KindTimeout - a per-task deadline was exceeded.
	KindTimeout
	// KindPoison - a message that parses but repeatedly fails application
	// logic; routed to the DLQ and acked.
	KindPoison
	// KindFatal - an unrecoverable invariant violation. The workflow fails;
	// the process does not crash.
	KindFatal
)

// Stable machine codes surfaced in API responses and lifecycle events.
const (
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeSurfaceNotBound       = "SURFACE_NOT_BOUND"
	CodeAgentNotFound         = "AGENT_NOT_FOUND"
	CodeDefinitionNotFound    = "DEFINITION_NOT_FOUND"
	CodeWorkflowNotFound      = "WORKFLOW_NOT_FOUND"
	CodeTaskNotFound          = "TASK_NOT_FOUND"
	CodeTraceNotFound         = "TRACE_NOT_FOUND"
	CodePlatformNotFound      = "PLATFORM_NOT_FOUND"
	CodeWorkflowTerminal      = "WORKFLOW_TERMINAL"
	CodeStageMismatch         = "STAGE_MISMATCH"
	CodeDuplicate             = "DUPLICATE"
	CodeTimeout               = "TIMEOUT"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	CodeInternal              = "INTERNAL"
)

// Error is the taxonomy-aware error carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// WithDetails attaches structured details (remediation hints, field names).
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Retryable reports whether retrying the operation can succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// HTTPStatus maps the error onto the API status-code contract.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindBusiness:
		switch e.Code {
		case CodeSurfaceNotBound:
			return http.StatusForbidden
		case CodeUnauthorized:
			return http.StatusUnauthorized
		case CodeWorkflowNotFound, CodeTaskNotFound, CodeTraceNotFound, CodePlatformNotFound, CodeDefinitionNotFound:
			return http.StatusNotFound
		case CodeWorkflowTerminal, CodeDuplicate:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a taxonomy error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates a cause with taxonomy information.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, wrapped: err}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, CodeValidationFailed, message)
}

// Transient wraps a dependency failure.
func Transient(err error, message string) *Error {
	return Wrap(err, KindTransient, CodeDependencyUnavailable, message)
}

// NotFound creates a business not-found error with the given code.
func NotFound(code, message string) *Error {
	return New(KindBusiness, code, message)
}

// From extracts an *Error from err, or classifies it as internal/fatal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindFatal, Code: CodeInternal, Message: err.Error(), wrapped: err}
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// IsCode reports whether err carries the given machine code.
func IsCode(err error, code string) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
