package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrKind is used to map domain errors to transport status codes consistently.
type ErrKind string

const (
	KindValidation     ErrKind = "validation"      // 400
	KindAuth           ErrKind = "auth"            // 401
	KindForbidden      ErrKind = "forbidden"       // 403
	KindNotFound       ErrKind = "not_found"       // 404
	KindConflict       ErrKind = "conflict"        // 409
	KindRateLimited    ErrKind = "rate_limited"    // 429
	KindTimeout        ErrKind = "timeout"         // 504
	KindBadGateway     ErrKind = "bad_gateway"     // 502
	KindNotImplemented ErrKind = "not_implemented" // 501
	KindInfrastructure ErrKind = "infrastructure"  // 503
	KindInternal       ErrKind = "internal"        // 500
)

// Error is a structured domain error.
// - Kind: high-level category for transport mapping
// - Code: stable machine code crossing the wire (do not change casually)
// - Message: safe summary for clients (avoid leaking sensitive details)
// - Meta: optional details (field, reason, etc.)
// - Cause: wrapped internal error for logging/diagnostics
type Error struct {
	Kind    ErrKind
	Code    string
	Message string
	Meta    map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind ErrKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind ErrKind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// WithMeta attaches one key of diagnostic detail. Chainable.
func (e *Error) WithMeta(key, value string) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]string, 1)
	}
	e.Meta[key] = value
	return e
}

func Is(err error, code string) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Stable wire codes. Gateway and auth service agree on these strings;
// they cross the broker inside RPC response envelopes.
const (
	CodeInvalidCredentials = "auth.invalid_credentials"
	CodeTokenExpired       = "auth.token_expired"
	CodeInvalidToken       = "auth.invalid_token"
	CodeUserExists         = "auth.user_exists"
	CodeForbidden          = "auth.forbidden"
	CodeRefreshInvalid     = "auth.refresh_invalid"
	CodeRPCTimeout         = "rpc.timeout"
	CodeRPCBadResponse     = "rpc.bad_response"
	CodeValidationFailed   = "validation.failed"
	CodeNotImplemented     = "common.not_implemented"
	CodeInternal           = "common.internal_error"
)

// ----------------------
// Auth errors
// ----------------------

// IMPORTANT: use this for login failures to avoid user enumeration.
func ErrInvalidCredentials() *Error {
	return New(KindAuth, CodeInvalidCredentials, "invalid username or password")
}

func ErrTokenExpired() *Error {
	return New(KindAuth, CodeTokenExpired, "token is expired")
}

// ErrInvalidToken carries a client-safe reason ("bad signature", "wrong
// audience"); pass "" for the generic message.
func ErrInvalidToken(reason string) *Error {
	if reason == "" {
		reason = "invalid token"
	}
	return New(KindAuth, CodeInvalidToken, reason)
}

func ErrUserExists() *Error {
	return New(KindConflict, CodeUserExists, "username or email already registered")
}

func ErrForbidden(reason string) *Error {
	if reason == "" {
		reason = "forbidden"
	}
	return New(KindForbidden, CodeForbidden, reason)
}

func ErrRefreshInvalid() *Error {
	return New(KindAuth, CodeRefreshInvalid, "invalid refresh token")
}

// ----------------------
// RPC errors
// ----------------------

func ErrRPCTimeout(key string) *Error {
	return New(KindTimeout, CodeRPCTimeout, "no reply from service").WithMeta("routing_key", key)
}

func ErrRPCBadResponse(cause error) *Error {
	return Wrap(KindBadGateway, CodeRPCBadResponse, "malformed reply from service", cause)
}

// ----------------------
// Validation
// ----------------------

// ErrValidationFailed puts the validation detail in the client message;
// field-level specifics are safe to surface.
func ErrValidationFailed(reason string) *Error {
	if reason == "" {
		reason = "request failed validation"
	}
	return New(KindValidation, CodeValidationFailed, reason)
}

// ----------------------
// Common
// ----------------------

func ErrNotImplemented(what string) *Error {
	msg := "not implemented"
	if what != "" {
		msg = what + " is not implemented"
	}
	return New(KindNotImplemented, CodeNotImplemented, msg)
}

func ErrInternal(cause error) *Error {
	return Wrap(KindInternal, CodeInternal, "internal error", cause)
}

// ----------------------
// Infrastructure (never cross the wire; mapped to common.internal_error
// by the RPC adapter when they escape a handler)
// ----------------------

func ErrDBUnavailable(cause error) *Error {
	return Wrap(KindInfrastructure, "db_unavailable", "database unavailable", cause)
}

func ErrRedisUnavailable(cause error) *Error {
	return Wrap(KindInfrastructure, "redis_unavailable", "redis unavailable", cause)
}

func ErrBusUnavailable(cause error) *Error {
	return Wrap(KindInfrastructure, "bus_unavailable", "message broker unavailable", cause)
}

func ErrHashFailed(cause error) *Error {
	return Wrap(KindInternal, "hash_failed", "password hashing failed", cause)
}

func ErrTokenSignFailed(cause error) *Error {
	return Wrap(KindInternal, "token_sign_failed", "token signing failed", cause)
}

// ----------------------
// Wire mapping
// ----------------------

// CodeOf extracts the stable wire code from any error. Errors that carry no
// taxonomy code (plain errors, infrastructure failures) collapse to
// common.internal_error so internals never leak across the broker.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		switch de.Code {
		case CodeInvalidCredentials, CodeTokenExpired, CodeInvalidToken,
			CodeUserExists, CodeForbidden, CodeRefreshInvalid,
			CodeRPCTimeout, CodeRPCBadResponse, CodeValidationFailed,
			CodeNotImplemented, CodeInternal:
			return de.Code
		}
	}
	return CodeInternal
}

// MessageOf returns the client-safe message for an error. Non-domain errors
// get a generic message; their detail stays in logs only.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && CodeOf(err) == de.Code {
		return de.Message
	}
	return "internal error"
}

// FromWire reconstructs a domain error from an RPC envelope code so the
// gateway can map it onto its own transports.
func FromWire(code, message string) *Error {
	if message == "" {
		message = "request failed"
	}
	return New(kindForCode(code), code, message)
}

func kindForCode(code string) ErrKind {
	switch code {
	case CodeInvalidCredentials, CodeTokenExpired, CodeInvalidToken, CodeRefreshInvalid:
		return KindAuth
	case CodeUserExists:
		return KindConflict
	case CodeForbidden:
		return KindForbidden
	case CodeValidationFailed:
		return KindValidation
	case CodeRPCTimeout:
		return KindTimeout
	case CodeRPCBadResponse:
		return KindBadGateway
	case CodeNotImplemented:
		return KindNotImplemented
	default:
		return KindInternal
	}
}

// HTTPStatus maps a wire code to the status the REST bridge responds with.
// Unknown codes deliberately map to 500.
func HTTPStatus(code string) int {
	switch kindForCode(code) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBadGateway:
		return http.StatusBadGateway
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
