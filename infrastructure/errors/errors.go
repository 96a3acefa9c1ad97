// Package errors provides the structured error taxonomy shared by every
// layer of the diagnostic backend: the UDS service layer raises these
// kinds directly from negative responses, the backend facade passes them
// through enriched with context, and the HTTP layer maps them to status
// codes one-to-one.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a structured error category. An error that is not an
// *Error carries no Kind, and HTTPStatus maps it to 500.
type Kind string

const (
	// EntityNotFound is raised when a requested entity id is not known to
	// the addressed backend.
	EntityNotFound Kind = "EntityNotFound"
	// ParameterNotFound is raised when a DID/parameter name is not present
	// in the conversion store.
	ParameterNotFound Kind = "ParameterNotFound"
	// OperationNotFound is raised when the named operation id (routine,
	// DTC group, etc.) is unknown.
	OperationNotFound Kind = "OperationNotFound"
	// OutputNotFound is raised when a requested output/report id is unknown.
	OutputNotFound Kind = "OutputNotFound"

	// SessionRequired is raised on NRC 0x22/0x7E/0x7F: the ECU is not in the
	// session the request requires.
	SessionRequired Kind = "SessionRequired"
	// SecurityRequired is raised on NRC 0x33: the request needs an unlocked
	// security level that is not currently held.
	SecurityRequired Kind = "SecurityRequired"
	// EcuError wraps any other UDS negative response.
	EcuError Kind = "EcuError"
	// Protocol marks a malformed or mismatched response from the ECU.
	Protocol Kind = "Protocol"
	// Transport marks a failure in the underlying transport (ISO-TP, DoIP).
	Transport Kind = "Transport"
	// Timeout marks no response within the P2/P2* budget.
	Timeout Kind = "Timeout"
	// Busy is raised when another operation holds the per-ECU request gate
	// beyond the configured queue depth.
	Busy Kind = "Busy"
	// RateLimited is raised when a subscription's requested pace exceeds
	// the backend's serving capacity.
	RateLimited Kind = "RateLimited"
	// InvalidRequest covers out-of-range definition values, unknown enum
	// labels, and cross-backend subscription requests.
	InvalidRequest Kind = "InvalidRequest"
	// NotSupported is raised when a backend has not implemented an
	// operation at all.
	NotSupported Kind = "NotSupported"
	// Internal marks an invariant violation; never recoverable by the
	// caller.
	Internal Kind = "Internal"
)

// httpStatusByKind is the one-to-one mapping from §7 of the error taxonomy
// to HTTP status codes (§6 of the external interfaces).
var httpStatusByKind = map[Kind]int{
	EntityNotFound:    http.StatusNotFound,
	ParameterNotFound: http.StatusNotFound,
	OperationNotFound: http.StatusNotFound,
	OutputNotFound:    http.StatusNotFound,
	SessionRequired:   http.StatusPreconditionFailed,
	SecurityRequired:  http.StatusForbidden,
	EcuError:          http.StatusBadGateway,
	Protocol:          http.StatusBadGateway,
	Transport:         http.StatusServiceUnavailable,
	Timeout:           http.StatusGatewayTimeout,
	Busy:              http.StatusConflict,
	RateLimited:       http.StatusTooManyRequests,
	InvalidRequest:    http.StatusBadRequest,
	NotSupported:      http.StatusNotImplemented,
	Internal:          http.StatusInternalServerError,
}

// Error is the structured error type every layer of this repository
// returns. It carries enough context to log, to map to an HTTP status,
// and to recover a caller-actionable detail (session, security level, NRC).
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails attaches an additional detail field and returns the receiver.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs an Error of the given kind with the default HTTP status
// for that kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		HTTPStatus: httpStatusByKind[kind],
	}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		HTTPStatus: httpStatusByKind[kind],
		Cause:      cause,
	}
}

// Per-kind constructors, one per row of the §7 taxonomy table.

// NotFound raises the entity-not-found family, disambiguated by resource kind.
func NotFound(kind Kind, resource, id string) *Error {
	return New(kind, fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// NewSessionRequired raises SessionRequired(session) for NRC 0x22/0x7E/0x7F.
func NewSessionRequired(session string) *Error {
	return New(SessionRequired, fmt.Sprintf("requires session %q", session)).
		WithDetails("session", session)
}

// NewSecurityRequired raises SecurityRequired(level) for NRC 0x33.
func NewSecurityRequired(level int) *Error {
	return New(SecurityRequired, fmt.Sprintf("requires unlocked security level %d", level)).
		WithDetails("level", level)
}

// NewEcuError wraps any other UDS negative response.
func NewEcuError(nrc byte, message string) *Error {
	return New(EcuError, message).
		WithDetails("nrc", fmt.Sprintf("0x%02X", nrc))
}

// NewProtocol marks a malformed or mismatched response.
func NewProtocol(message string) *Error {
	return New(Protocol, message)
}

// NewTransport wraps an underlying transport failure.
func NewTransport(message string, cause error) *Error {
	return Wrap(Transport, message, cause)
}

// NewTimeout marks no response within the P2/P2* budget.
func NewTimeout(operation string) *Error {
	return New(Timeout, "operation timed out").
		WithDetails("operation", operation)
}

// NewBusy marks the per-ECU request gate exceeding its queue depth.
func NewBusy(ecuID string) *Error {
	return New(Busy, "request gate busy").
		WithDetails("ecu_id", ecuID)
}

// NewRateLimited marks a subscription pace exceeding capacity.
func NewRateLimited(requestedHz, maxHz float64) *Error {
	return New(RateLimited, "requested rate exceeds capacity").
		WithDetails("requested_hz", requestedHz).
		WithDetails("max_hz", maxHz)
}

// NewInvalidRequest covers out-of-range values and unknown enum labels.
func NewInvalidRequest(field, reason string) *Error {
	return New(InvalidRequest, reason).
		WithDetails("field", field)
}

// NewNotSupported marks a backend that has not implemented an operation.
func NewNotSupported(feature string) *Error {
	return New(NotSupported, fmt.Sprintf("%s is not supported by this backend", feature)).
		WithDetails("feature", feature)
}

// NewInternal marks an invariant violation.
func NewInternal(message string, cause error) *Error {
	return Wrap(Internal, message, cause)
}

// Helper functions

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts an *Error from an error chain, or nil if err is not one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// HTTPStatus returns the mapped HTTP status code for an error, defaulting
// to 500 when err is not a structured *Error.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
