// Package response owns the REST wire shapes: {"data": ...} on success,
// {"error":{code,message,meta,request_id}} on failure. Status codes come
// from the shared error taxonomy so REST and RPC agree on every code.
package response

import (
	"encoding/json"
	"errors"
	"net/http"

	zlog "github.com/rs/zerolog/log"

	"github.com/driftmark/gamecore/internal/domain"
)

// Envelope is the success envelope.
type Envelope struct {
	Data any `json:"data,omitempty"`
}

// ErrorBody is the failure envelope.
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Meta      map[string]string `json:"meta,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// JSON writes v with Content-Type and status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data wraps payload with {"data": ...}.
func Data(w http.ResponseWriter, status int, payload any) {
	JSON(w, status, Envelope{Data: payload})
}

// Fail writes the error envelope.
func Fail(w http.ResponseWriter, status int, code, message string, meta map[string]string, requestID string) {
	JSON(w, status, ErrorBody{
		Error: ErrorPayload{
			Code:      code,
			Message:   message,
			Meta:      meta,
			RequestID: requestID,
		},
	})
}

// Err collapses any error onto the taxonomy. Domain errors keep their code
// and safe message; everything else becomes a 500 whose detail stays in the
// logs only.
func Err(w http.ResponseWriter, requestID string, err error) {
	if err == nil {
		Fail(w, http.StatusInternalServerError, domain.CodeInternal, "internal error", nil, requestID)
		return
	}

	var de *domain.Error
	if errors.As(err, &de) {
		code := domain.CodeOf(err)
		Fail(w, domain.HTTPStatus(code), code, domain.MessageOf(err), de.Meta, requestID)
		return
	}

	zlog.Error().Err(err).Msg("unhandled error")
	Fail(w, http.StatusInternalServerError, domain.CodeInternal, "internal error", nil, requestID)
}

// FromRPC maps an unsuccessful RPC envelope onto HTTP without re-deriving
// anything: the wire code picks the status, the message rides along.
func FromRPC(w http.ResponseWriter, errorCode, message, requestID string) {
	if errorCode == "" {
		errorCode = domain.CodeInternal
	}
	if message == "" {
		message = "request failed"
	}
	Fail(w, domain.HTTPStatus(errorCode), errorCode, message, nil, requestID)
}
