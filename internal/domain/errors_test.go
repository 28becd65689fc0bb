package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfKnownErrors(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrInvalidCredentials(), CodeInvalidCredentials},
		{ErrTokenExpired(), CodeTokenExpired},
		{ErrInvalidToken("bad signature"), CodeInvalidToken},
		{ErrUserExists(), CodeUserExists},
		{ErrForbidden("account banned"), CodeForbidden},
		{ErrRefreshInvalid(), CodeRefreshInvalid},
		{ErrRPCTimeout("core.auth.rpc.issue_token.v1"), CodeRPCTimeout},
		{ErrRPCBadResponse(errors.New("boom")), CodeRPCBadResponse},
		{ErrValidationFailed("username too short"), CodeValidationFailed},
		{ErrNotImplemented("subscribe"), CodeNotImplemented},
		{ErrInternal(errors.New("boom")), CodeInternal},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.code {
			t.Errorf("CodeOf(%v) = %q, want %q", tc.err, got, tc.code)
		}
	}
}

func TestCodeOfUnknownErrorCollapses(t *testing.T) {
	if got := CodeOf(errors.New("driver: bad connection")); got != CodeInternal {
		t.Fatalf("raw error should map to %s, got %s", CodeInternal, got)
	}
	// Internal infra codes never cross the wire either.
	if got := CodeOf(ErrDBUnavailable(errors.New("dial tcp"))); got != CodeInternal {
		t.Fatalf("infra error should collapse to %s, got %s", CodeInternal, got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil) = %q, want empty", got)
	}
}

func TestCodeOfWrappedError(t *testing.T) {
	inner := ErrTokenExpired()
	wrapped := fmt.Errorf("validate: %w", inner)
	if got := CodeOf(wrapped); got != CodeTokenExpired {
		t.Fatalf("wrapped domain error lost its code: got %s", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		CodeValidationFailed:   400,
		CodeInvalidCredentials: 401,
		CodeTokenExpired:       401,
		CodeInvalidToken:       401,
		CodeRefreshInvalid:     401,
		CodeForbidden:          403,
		CodeUserExists:         409,
		CodeRPCTimeout:         504,
		CodeRPCBadResponse:     502,
		CodeNotImplemented:     501,
		CodeInternal:           500,
		"made.up.code":         500,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestFromWireRestoresKind(t *testing.T) {
	err := FromWire(CodeUserExists, "user already exists")
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("FromWire did not return *Error")
	}
	if derr.Kind != KindConflict {
		t.Fatalf("kind = %s, want %s", derr.Kind, KindConflict)
	}
	if CodeOf(err) != CodeUserExists {
		t.Fatalf("code round-trip failed: %s", CodeOf(err))
	}
	if HTTPStatus(CodeOf(err)) != 409 {
		t.Fatalf("status round-trip failed")
	}
}

func TestErrorMessageAndMeta(t *testing.T) {
	err := ErrValidationFailed("email must be a valid email address").WithMeta("field", "email")
	if err.Message != "email must be a valid email address" {
		t.Fatalf("message = %q", err.Message)
	}
	if err.Meta["field"] != "email" {
		t.Fatalf("meta not attached: %v", err.Meta)
	}
	if err.Error() == "" {
		t.Fatalf("Error() should render something")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("pq: duplicate key")
	err := Wrap(KindConflict, CodeUserExists, "user already exists", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause not reachable via errors.Is")
	}
}
