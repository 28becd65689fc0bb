package domain

import "encoding/json"

// RPCResponse is the uniform envelope every RPC reply travels in.
// Success replies carry data; failures carry error_code + message.
type RPCResponse struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Message       string          `json:"message,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// OkEnvelope marshals data into a success envelope.
func OkEnvelope(data any, corrID string) (*RPCResponse, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &RPCResponse{Success: true, Data: raw, CorrelationID: corrID}, nil
}

// ErrEnvelope collapses err onto the wire taxonomy. Whatever detail the
// error carries beyond its code and safe message stays out of the envelope.
func ErrEnvelope(err error, corrID string) *RPCResponse {
	return &RPCResponse{
		Success:       false,
		ErrorCode:     CodeOf(err),
		Message:       MessageOf(err),
		CorrelationID: corrID,
	}
}

// ---- auth RPC request/response shapes (flat JSON payloads) ----

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type RegisterResponse struct {
	AccountID int64  `json:"account_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

type IssueTokenRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`

	// optional client metadata persisted on the refresh token record
	ClientID  string   `json:"client_id,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
	IP        string   `json:"ip,omitempty"`
}

type TokenPairResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccountID    int64  `json:"account_id"`
}

type ValidateTokenRequest struct {
	AccessToken string `json:"access_token" validate:"required"`
}

// ValidateTokenResponse is always delivered as a success envelope; a bad
// token sets Valid=false plus the error fields instead of failing the RPC.
type ValidateTokenResponse struct {
	Valid        bool     `json:"valid"`
	UserID       string   `json:"user_id,omitempty"`
	AccountID    int64    `json:"account_id,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	IssuedAt     int64    `json:"iat,omitempty"`
	ExpiresAt    int64    `json:"exp,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`

	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LogoutResponse always reports success; logout is idempotent by contract.
type LogoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
