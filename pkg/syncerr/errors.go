// Package syncerr defines the error taxonomy shared by the sync protocol,
// the abuse guard and the transport layer.
//
// Callers should branch on Kind rather than matching error strings. Use
// errors.As or KindOf to extract the kind from a wrapped error.
package syncerr

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

type Kind string

const (
	KindAuthenticationRequired Kind = "AuthenticationRequired"
	KindAccessDenied           Kind = "AccessDenied"
	KindMalformedPayload       Kind = "MalformedPayload"
	KindSecurityViolation      Kind = "SecurityViolation"
	KindBulkLimitExceeded      Kind = "BulkLimitExceeded"
	KindRateLimitExceeded      Kind = "RateLimitExceeded"
	KindDuplicateContent       Kind = "DuplicateContent"
	KindOversizedContent       Kind = "OversizedContent"
	KindTamperedContent        Kind = "TamperedContent"
	KindRequestTimeout         Kind = "RequestTimeout"
	KindTransportExhausted     Kind = "TransportExhausted"
)

// Per-item skip reasons reported to peers and API callers.
const (
	ReasonOversized = "Content too large"
	ReasonDuplicate = "Duplicate content detected"
	ReasonTampered  = "Content hash mismatch detected"
)

// Fatal reports whether the kind rejects a whole incoming transaction.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuthenticationRequired, KindAccessDenied, KindMalformedPayload,
		KindSecurityViolation, KindBulkLimitExceeded, KindRateLimitExceeded:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind to the status class returned by the API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMalformedPayload, KindSecurityViolation, KindBulkLimitExceeded:
		return http.StatusBadRequest
	case KindAuthenticationRequired:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindDuplicateContent:
		return http.StatusConflict
	case KindOversizedContent:
		return http.StatusRequestEntityTooLarge
	case KindTamperedContent:
		return http.StatusUnprocessableEntity
	case KindRequestTimeout:
		return http.StatusGatewayTimeout
	case KindTransportExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps the kind to a gRPC status code, for relays that speak gRPC.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindAuthenticationRequired:
		return codes.Unauthenticated
	case KindAccessDenied:
		return codes.PermissionDenied
	case KindMalformedPayload, KindSecurityViolation, KindTamperedContent:
		return codes.InvalidArgument
	case KindBulkLimitExceeded, KindOversizedContent:
		return codes.OutOfRange
	case KindRateLimitExceeded:
		return codes.ResourceExhausted
	case KindDuplicateContent:
		return codes.AlreadyExists
	case KindRequestTimeout:
		return codes.DeadlineExceeded
	case KindTransportExhausted:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// Error is the structured error type of the sync subsystem.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap returns an error of the given kind carrying cause.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
