// Package handlers holds the gateway's REST surface: a thin bridge that
// validates request shapes and forwards them to the auth service over RPC.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/messaging/rabbitmq"
	"github.com/driftmark/gamecore/internal/transport/http/middleware"
	"github.com/driftmark/gamecore/internal/transport/http/response"
)

// RPCCaller is the slice of the bus the REST bridge needs.
type RPCCaller interface {
	CallRPC(ctx context.Context, exchange, key string, payload any, correlationID string) (*domain.RPCResponse, error)
}

type AuthHandler struct {
	rpc      RPCCaller
	validate *validator.Validate
	lg       zerolog.Logger
}

func NewAuthHandler(rpc RPCCaller, lg zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		rpc:      rpc,
		validate: validator.New(),
		lg:       lg.With().Str("component", "auth_bridge").Logger(),
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.call(w, r, rabbitmq.QueueAuthRegister, req, http.StatusCreated)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.IssueTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserAgent = r.UserAgent()
	req.IP = clientIP(r)
	h.call(w, r, rabbitmq.QueueAuthIssueToken, req, http.StatusOK)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserAgent = r.UserAgent()
	req.IP = clientIP(r)
	h.call(w, r, rabbitmq.QueueAuthRefreshToken, req, http.StatusOK)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req domain.LogoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.call(w, r, rabbitmq.QueueAuthLogout, req, http.StatusOK)
}

// Validate accepts the token in the body or as a bearer header and answers
// with the full verdict; an invalid token is a 401, not a 200 with
// valid=false, so plain HTTP callers can gate on the status alone.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())

	var req domain.ValidateTokenRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			response.Fail(w, http.StatusBadRequest, domain.CodeValidationFailed, "invalid JSON body", nil, reqID)
			return
		}
	}
	if req.AccessToken == "" {
		req.AccessToken = bearerToken(r)
	}
	if req.AccessToken == "" {
		response.Fail(w, http.StatusBadRequest, domain.CodeValidationFailed, "access_token required", nil, reqID)
		return
	}

	resp, err := h.rpc.CallRPC(r.Context(), rabbitmq.ExchangeRPC, rabbitmq.QueueAuthValidateToken, req, uuid.NewString())
	if err != nil {
		h.lg.Warn().Err(err).Msg("validate rpc failed")
		response.Err(w, reqID, err)
		return
	}
	if !resp.Success {
		response.FromRPC(w, resp.ErrorCode, resp.Message, reqID)
		return
	}

	var verdict domain.ValidateTokenResponse
	if err := json.Unmarshal(resp.Data, &verdict); err != nil {
		response.Err(w, reqID, domain.ErrRPCBadResponse(err))
		return
	}
	if !verdict.Valid {
		code := verdict.ErrorCode
		if code == "" {
			code = domain.CodeInvalidToken
		}
		msg := verdict.ErrorMessage
		if msg == "" {
			msg = "invalid token"
		}
		response.Fail(w, domain.HTTPStatus(code), code, msg, nil, reqID)
		return
	}
	response.Data(w, http.StatusOK, verdict)
}

// decode reads and validates the JSON body. Failures answer a 400 with the
// offending fields in meta; the caller just returns.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	reqID := middleware.GetRequestID(r.Context())

	if err := render.DecodeJSON(r.Body, dst); err != nil {
		response.Fail(w, http.StatusBadRequest, domain.CodeValidationFailed, "invalid JSON body", nil, reqID)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		response.Fail(w, http.StatusBadRequest, domain.CodeValidationFailed, "request validation failed", validationMeta(err), reqID)
		return false
	}
	return true
}

// call forwards payload to queue and translates the RPC envelope back onto
// HTTP. Success data passes through untouched.
func (h *AuthHandler) call(w http.ResponseWriter, r *http.Request, queue string, payload any, okStatus int) {
	reqID := middleware.GetRequestID(r.Context())

	resp, err := h.rpc.CallRPC(r.Context(), rabbitmq.ExchangeRPC, queue, payload, uuid.NewString())
	if err != nil {
		h.lg.Warn().Err(err).Str("queue", queue).Msg("auth rpc failed")
		response.Err(w, reqID, err)
		return
	}
	if !resp.Success {
		response.FromRPC(w, resp.ErrorCode, resp.Message, reqID)
		return
	}
	response.Data(w, okStatus, json.RawMessage(resp.Data))
}

func validationMeta(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	meta := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		meta[strings.ToLower(fe.Field())] = "failed '" + fe.Tag() + "' validation"
	}
	return meta
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// clientIP strips the port from RemoteAddr; behind RealIP the address is
// already bare.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
