package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/messaging/rabbitmq"
)

type rpcCall struct {
	exchange string
	key      string
	payload  []byte
	corrID   string
}

type fakeRPC struct {
	calls []rpcCall
	resp  *domain.RPCResponse
	err   error
}

func (f *fakeRPC) CallRPC(_ context.Context, exchange, key string, payload any, correlationID string) (*domain.RPCResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, rpcCall{exchange: exchange, key: key, payload: raw, corrID: correlationID})
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func okReply(t *testing.T, data any) *domain.RPCResponse {
	t.Helper()
	resp, err := domain.OkEnvelope(data, "corr-1")
	require.NoError(t, err)
	return resp
}

func errReply(code, message string) *domain.RPCResponse {
	return &domain.RPCResponse{Success: false, ErrorCode: code, Message: message, CorrelationID: "corr-1"}
}

func newHandler(rpc *fakeRPC) *AuthHandler {
	return NewAuthHandler(rpc, zerolog.Nop())
}

func doRequest(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func errorCodeOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRegisterCreated(t *testing.T) {
	rpc := &fakeRPC{resp: okReply(t, domain.RegisterResponse{AccountID: 42, Username: "alice", Email: "a@b.co"})}
	h := newHandler(rpc)

	rr := doRequest(h.Register, http.MethodPost, "/v1/auth/register",
		`{"username":"alice","email":"a@b.co","password":"hunter2hunter2"}`)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.JSONEq(t, `{"data":{"account_id":42,"username":"alice","email":"a@b.co"}}`, rr.Body.String())

	require.Len(t, rpc.calls, 1)
	assert.Equal(t, rabbitmq.ExchangeRPC, rpc.calls[0].exchange)
	assert.Equal(t, rabbitmq.QueueAuthRegister, rpc.calls[0].key)
	assert.NotEmpty(t, rpc.calls[0].corrID)
}

func TestRegisterInvalidJSON(t *testing.T) {
	rpc := &fakeRPC{}
	h := newHandler(rpc)

	rr := doRequest(h.Register, http.MethodPost, "/v1/auth/register", `{"username":`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.CodeValidationFailed, errorCodeOf(t, rr))
	assert.Empty(t, rpc.calls, "no rpc on bad input")
}

func TestRegisterValidationMeta(t *testing.T) {
	rpc := &fakeRPC{}
	h := newHandler(rpc)

	rr := doRequest(h.Register, http.MethodPost, "/v1/auth/register",
		`{"username":"al","email":"nope","password":"short"}`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var body struct {
		Error struct {
			Code string            `json:"code"`
			Meta map[string]string `json:"meta"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, domain.CodeValidationFailed, body.Error.Code)
	assert.Contains(t, body.Error.Meta, "username")
	assert.Contains(t, body.Error.Meta, "email")
	assert.Contains(t, body.Error.Meta, "password")
	assert.Empty(t, rpc.calls)
}

func TestLoginEnrichesClientContext(t *testing.T) {
	rpc := &fakeRPC{resp: okReply(t, domain.TokenPairResponse{Token: "t", RefreshToken: "r", TokenType: "Bearer", ExpiresIn: 1800, AccountID: 7})}
	h := newHandler(rpc)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"hunter2"}`))
	req.Header.Set("User-Agent", "game-client/1.2")
	req.RemoteAddr = "203.0.113.9:51423"
	rr := httptest.NewRecorder()
	h.Login(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rpc.calls, 1)
	assert.Equal(t, rabbitmq.QueueAuthIssueToken, rpc.calls[0].key)

	var sent domain.IssueTokenRequest
	require.NoError(t, json.Unmarshal(rpc.calls[0].payload, &sent))
	assert.Equal(t, "game-client/1.2", sent.UserAgent)
	assert.Equal(t, "203.0.113.9", sent.IP)
}

func TestLoginBadCredentialsMapsTo401(t *testing.T) {
	rpc := &fakeRPC{resp: errReply(domain.CodeInvalidCredentials, "invalid credentials")}
	h := newHandler(rpc)

	rr := doRequest(h.Login, http.MethodPost, "/v1/auth/login",
		`{"username":"alice","password":"wrong"}`)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, domain.CodeInvalidCredentials, errorCodeOf(t, rr))
}

func TestLoginTimeoutMapsTo504(t *testing.T) {
	rpc := &fakeRPC{err: domain.ErrRPCTimeout(rabbitmq.QueueAuthIssueToken)}
	h := newHandler(rpc)

	rr := doRequest(h.Login, http.MethodPost, "/v1/auth/login",
		`{"username":"alice","password":"hunter2"}`)

	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Equal(t, domain.CodeRPCTimeout, errorCodeOf(t, rr))
}

func TestRefreshForwardsToken(t *testing.T) {
	rpc := &fakeRPC{resp: okReply(t, domain.TokenPairResponse{Token: "t2", RefreshToken: "r2", TokenType: "Bearer", ExpiresIn: 1800, AccountID: 7})}
	h := newHandler(rpc)

	rr := doRequest(h.Refresh, http.MethodPost, "/v1/auth/refresh", `{"refresh_token":"r1"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rpc.calls, 1)
	assert.Equal(t, rabbitmq.QueueAuthRefreshToken, rpc.calls[0].key)

	var sent domain.RefreshTokenRequest
	require.NoError(t, json.Unmarshal(rpc.calls[0].payload, &sent))
	assert.Equal(t, "r1", sent.RefreshToken)
}

func TestLogoutPassesThroughReply(t *testing.T) {
	rpc := &fakeRPC{resp: okReply(t, domain.LogoutResponse{Success: true, Message: "logged out"})}
	h := newHandler(rpc)

	rr := doRequest(h.Logout, http.MethodPost, "/v1/auth/logout", `{"refresh_token":"r1"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":{"success":true,"message":"logged out"}}`, rr.Body.String())
	require.Len(t, rpc.calls, 1)
	assert.Equal(t, rabbitmq.QueueAuthLogout, rpc.calls[0].key)
}

func TestValidateFromBody(t *testing.T) {
	rpc := &fakeRPC{resp: okReply(t, domain.ValidateTokenResponse{Valid: true, UserID: "7", AccountID: 7})}
	h := newHandler(rpc)

	rr := doRequest(h.Validate, http.MethodPost, "/v1/auth/validate", `{"access_token":"tok"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rpc.calls, 1)
	assert.Equal(t, rabbitmq.QueueAuthValidateToken, rpc.calls[0].key)
	assert.JSONEq(t, `{"access_token":"tok"}`, string(rpc.calls[0].payload))

	var body struct {
		Data domain.ValidateTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Data.Valid)
	assert.EqualValues(t, 7, body.Data.AccountID)
}

func TestValidateBearerFallback(t *testing.T) {
	rpc := &fakeRPC{resp: okReply(t, domain.ValidateTokenResponse{Valid: true, AccountID: 7})}
	h := newHandler(rpc)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/validate", nil)
	req.Header.Set("Authorization", "Bearer header-tok")
	rr := httptest.NewRecorder()
	h.Validate(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rpc.calls, 1)
	assert.JSONEq(t, `{"access_token":"header-tok"}`, string(rpc.calls[0].payload))
}

func TestValidateMissingToken(t *testing.T) {
	rpc := &fakeRPC{}
	h := newHandler(rpc)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/validate", nil)
	rr := httptest.NewRecorder()
	h.Validate(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.CodeValidationFailed, errorCodeOf(t, rr))
	assert.Empty(t, rpc.calls)
}

func TestValidateInvalidTokenIs401(t *testing.T) {
	rpc := &fakeRPC{resp: okReply(t, domain.ValidateTokenResponse{
		Valid: false, ErrorCode: domain.CodeTokenExpired, ErrorMessage: "token expired",
	})}
	h := newHandler(rpc)

	rr := doRequest(h.Validate, http.MethodPost, "/v1/auth/validate", `{"access_token":"stale"}`)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, domain.CodeTokenExpired, errorCodeOf(t, rr))
}

func TestValidateMalformedReplyIs502(t *testing.T) {
	rpc := &fakeRPC{resp: &domain.RPCResponse{Success: true, Data: json.RawMessage(`"not-an-object"`), CorrelationID: "corr-1"}}
	h := newHandler(rpc)

	rr := doRequest(h.Validate, http.MethodPost, "/v1/auth/validate", `{"access_token":"tok"}`)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, domain.CodeRPCBadResponse, errorCodeOf(t, rr))
}

func TestClientIPStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "198.51.100.4:9000"
	assert.Equal(t, "198.51.100.4", clientIP(req))

	req.RemoteAddr = "198.51.100.4"
	assert.Equal(t, "198.51.100.4", clientIP(req))
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(req))

	req.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", bearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(req))
}

func TestValidationMetaFormatsFieldErrors(t *testing.T) {
	verrs := validator.ValidationErrors{
		&mockFieldError{field: "Username", tag: "min"},
		&mockFieldError{field: "Email", tag: "email"},
	}

	meta := validationMeta(verrs)
	assert.Equal(t, "failed 'min' validation", meta["username"])
	assert.Equal(t, "failed 'email' validation", meta["email"])
}

func TestValidationMetaIgnoresPlainErrors(t *testing.T) {
	assert.Nil(t, validationMeta(errors.New("boom")))
}

// mockFieldError implements validator.FieldError for testing.
type mockFieldError struct {
	field string
	tag   string
	param string
}

func (m *mockFieldError) Tag() string                       { return m.tag }
func (m *mockFieldError) ActualTag() string                 { return m.tag }
func (m *mockFieldError) Namespace() string                 { return "" }
func (m *mockFieldError) StructNamespace() string           { return "" }
func (m *mockFieldError) Field() string                     { return m.field }
func (m *mockFieldError) StructField() string               { return m.field }
func (m *mockFieldError) Value() interface{}                { return "" }
func (m *mockFieldError) Param() string                     { return m.param }
func (m *mockFieldError) Kind() reflect.Kind                { return reflect.String }
func (m *mockFieldError) Type() reflect.Type                { return reflect.TypeOf("") }
func (m *mockFieldError) Translate(ut ut.Translator) string { return "" }
func (m *mockFieldError) Error() string                     { return "" }
