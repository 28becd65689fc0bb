package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestOkEnvelopeCarriesData(t *testing.T) {
	resp, err := OkEnvelope(TokenPairResponse{
		Token:        "acc",
		RefreshToken: "ref",
		TokenType:    "Bearer",
		ExpiresIn:    1800,
		AccountID:    42,
	}, "corr-1")
	if err != nil {
		t.Fatalf("OkEnvelope: %v", err)
	}
	if !resp.Success {
		t.Fatalf("success should be true")
	}
	if resp.CorrelationID != "corr-1" {
		t.Fatalf("correlation_id = %q", resp.CorrelationID)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := wire["error_code"]; ok {
		t.Fatalf("success envelope must omit error_code: %s", raw)
	}
	data, ok := wire["data"].(map[string]any)
	if !ok {
		t.Fatalf("data missing: %s", raw)
	}
	if data["token_type"] != "Bearer" {
		t.Fatalf("token_type = %v", data["token_type"])
	}
}

func TestErrEnvelopeUsesWireCode(t *testing.T) {
	resp := ErrEnvelope(ErrInvalidCredentials(), "corr-2")
	if resp.Success {
		t.Fatalf("success should be false")
	}
	if resp.ErrorCode != CodeInvalidCredentials {
		t.Fatalf("error_code = %q", resp.ErrorCode)
	}
	if resp.Message == "" {
		t.Fatalf("message should be populated")
	}
	if resp.CorrelationID != "corr-2" {
		t.Fatalf("correlation_id = %q", resp.CorrelationID)
	}
}

func TestErrEnvelopeCollapsesUnknownErrors(t *testing.T) {
	resp := ErrEnvelope(errors.New("driver: bad connection"), "corr-3")
	if resp.ErrorCode != CodeInternal {
		t.Fatalf("error_code = %q, want %s", resp.ErrorCode, CodeInternal)
	}
	// Raw failure detail stays out of the wire message.
	if resp.Message != "internal error" {
		t.Fatalf("message leaked internals: %q", resp.Message)
	}
}

func TestValidateResponseOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(ValidateTokenResponse{Valid: false, ErrorCode: CodeTokenExpired, ErrorMessage: "token expired"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["valid"] != false {
		t.Fatalf("valid must serialize even when false: %s", raw)
	}
	if _, ok := wire["account_id"]; ok {
		t.Fatalf("zero account_id should be omitted: %s", raw)
	}
	if wire["error_code"] != CodeTokenExpired {
		t.Fatalf("error_code = %v", wire["error_code"])
	}
}
