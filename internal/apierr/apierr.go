// Package apierr defines the gateway's error taxonomy. Every failure that can
// leave the gateway is an *Error carrying one Kind; the HTTP layer converts it
// to the OpenAI-style error envelope in a single place.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. Its String form is the stable `type` field of the
// error envelope.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindInvalidRequest
	KindBackendUnavailable
	KindBackendTimeout
	KindBackendProtocol
)

// String returns the envelope type for the kind.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "authentication_error"
	case KindInvalidRequest:
		return "invalid_request_error"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindBackendTimeout:
		return "backend_timeout"
	case KindBackendProtocol:
		return "backend_protocol_error"
	default:
		return "internal_error"
	}
}

// Status returns the default HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	case KindBackendProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromBackend reports whether errors of this kind carry text produced by the
// inference backend.
func (k Kind) FromBackend() bool {
	switch k {
	case KindBackendUnavailable, KindBackendTimeout, KindBackendProtocol:
		return true
	default:
		return false
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Param   string
	// StatusCode overrides Kind.Status when non-zero.
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status to answer with.
func (e *Error) Status() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return e.Kind.Status()
}

// WithCode sets the machine-readable code and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithStatus overrides the HTTP status and returns e.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Code: defaultCode(kind)}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// InvalidRequest reports a client-supplied field that violates an invariant.
func InvalidRequest(param, message string) *Error {
	e := New(KindInvalidRequest, message)
	e.Param = param
	return e
}

// Unauthorized reports a missing or rejected credential.
func Unauthorized(code, message string) *Error {
	return New(KindUnauthorized, message).WithCode(code)
}

// From classifies an arbitrary error. Errors that are not already classified
// become KindInternal, except context deadlines which map to KindBackendTimeout.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindBackendTimeout, err, "backend did not respond in time")
	}
	return Wrap(KindInternal, err, "internal server error")
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func defaultCode(kind Kind) string {
	switch kind {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return kind.String()
	}
}

// Envelope is the single error shape returned to API clients.
type Envelope struct {
	Error Body `json:"error"`
}

// Body is the inner object of an Envelope.
type Body struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Param   string `json:"param,omitempty"`
}
