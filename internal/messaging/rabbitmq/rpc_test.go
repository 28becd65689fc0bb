package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
)

type fakeReplier struct {
	replyTo string
	resp    *domain.RPCResponse
	err     error
	calls   int
}

func (f *fakeReplier) PublishRPCResponse(ctx context.Context, replyTo string, resp *domain.RPCResponse) error {
	f.calls++
	f.replyTo = replyTo
	f.resp = resp
	return f.err
}

func rpcDelivery(body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  &fakeAcker{},
		Body:          []byte(body),
		CorrelationId: "corr-77",
		ReplyTo:       "amq.rabbitmq.reply-to",
		ContentType:   "application/json",
	}
}

func TestEndpointSuccessRepliesWithData(t *testing.T) {
	pub := &fakeReplier{}
	h := Endpoint(pub, validator.New(), "core.auth.rpc.register.v1", zerolog.Nop(),
		func(ctx context.Context, req *domain.RegisterRequest) (any, error) {
			if req.Username != "alice" {
				t.Fatalf("username = %q", req.Username)
			}
			return domain.RegisterResponse{AccountID: 7, Username: req.Username, Email: req.Email}, nil
		})

	err := h(context.Background(), rpcDelivery(`{"username":"alice","email":"a@example.com","password":"secret-pass"}`))
	if err != nil {
		t.Fatalf("endpoint returned %v", err)
	}

	if pub.calls != 1 || pub.replyTo != "amq.rabbitmq.reply-to" {
		t.Fatalf("reply not published: %+v", pub)
	}
	if !pub.resp.Success || pub.resp.CorrelationID != "corr-77" {
		t.Fatalf("envelope = %+v", pub.resp)
	}
	var data domain.RegisterResponse
	if err := json.Unmarshal(pub.resp.Data, &data); err != nil || data.AccountID != 7 {
		t.Fatalf("data = %s (%v)", pub.resp.Data, err)
	}
}

func TestEndpointUnwrapsPayloadEnvelope(t *testing.T) {
	pub := &fakeReplier{}
	h := Endpoint(pub, validator.New(), "q", zerolog.Nop(),
		func(ctx context.Context, req *domain.ValidateTokenRequest) (any, error) {
			if req.AccessToken != "tok" {
				t.Fatalf("access_token = %q", req.AccessToken)
			}
			return domain.ValidateTokenResponse{Valid: true}, nil
		})

	err := h(context.Background(), rpcDelivery(`{"payload":{"access_token":"tok"},"meta":{"source":"gateway"}}`))
	if err != nil {
		t.Fatalf("endpoint returned %v", err)
	}
	if !pub.resp.Success {
		t.Fatalf("envelope = %+v", pub.resp)
	}
}

func TestEndpointBusinessErrorBecomesErrorEnvelope(t *testing.T) {
	pub := &fakeReplier{}
	h := Endpoint(pub, validator.New(), "q", zerolog.Nop(),
		func(ctx context.Context, req *domain.IssueTokenRequest) (any, error) {
			return nil, domain.ErrInvalidCredentials()
		})

	err := h(context.Background(), rpcDelivery(`{"username":"alice","password":"wrong"}`))
	if err != nil {
		t.Fatalf("business failure must not reach the retry cycle: %v", err)
	}
	if pub.resp.Success {
		t.Fatal("envelope should be a failure")
	}
	if pub.resp.ErrorCode != domain.CodeInvalidCredentials {
		t.Fatalf("error_code = %q", pub.resp.ErrorCode)
	}
}

func TestEndpointValidationFailureReplies(t *testing.T) {
	pub := &fakeReplier{}
	h := Endpoint(pub, validator.New(), "q", zerolog.Nop(),
		func(ctx context.Context, req *domain.RegisterRequest) (any, error) {
			t.Fatal("handler must not run on invalid input")
			return nil, nil
		})

	err := h(context.Background(), rpcDelivery(`{"email":"not-an-email"}`))
	if err != nil {
		t.Fatalf("validation failure must not retry: %v", err)
	}
	if pub.resp.ErrorCode != domain.CodeValidationFailed {
		t.Fatalf("error_code = %q", pub.resp.ErrorCode)
	}
	if !strings.Contains(pub.resp.Message, "username is required") {
		t.Fatalf("message = %q", pub.resp.Message)
	}
	if !strings.Contains(pub.resp.Message, "email must be a valid email address") {
		t.Fatalf("message = %q", pub.resp.Message)
	}
}

func TestEndpointUndecodablePayloadReplies(t *testing.T) {
	pub := &fakeReplier{}
	h := Endpoint(pub, validator.New(), "q", zerolog.Nop(),
		func(ctx context.Context, req *domain.RegisterRequest) (any, error) {
			t.Fatal("handler must not run")
			return nil, nil
		})

	err := h(context.Background(), rpcDelivery(`{"username":42,"email":true}`))
	if err != nil {
		t.Fatalf("undecodable payload must not retry: %v", err)
	}
	if pub.resp.ErrorCode != domain.CodeValidationFailed {
		t.Fatalf("error_code = %q", pub.resp.ErrorCode)
	}
}

func TestEndpointInfraErrorEntersRetryCycle(t *testing.T) {
	pub := &fakeReplier{}
	h := Endpoint(pub, validator.New(), "q", zerolog.Nop(),
		func(ctx context.Context, req *domain.LogoutRequest) (any, error) {
			return nil, domain.ErrDBUnavailable(errors.New("dial tcp: refused"))
		})

	err := h(context.Background(), rpcDelivery(`{"refresh_token":"r"}`))
	if err == nil {
		t.Fatal("infrastructure failure must propagate for the retry cycle")
	}
	if pub.calls != 0 {
		t.Fatal("no reply may be sent for a retried delivery")
	}
}

func TestEndpointNoReplyToDropsResponse(t *testing.T) {
	pub := &fakeReplier{}
	h := Endpoint(pub, validator.New(), "q", zerolog.Nop(),
		func(ctx context.Context, req *domain.LogoutRequest) (any, error) {
			return domain.LogoutResponse{Success: true, Message: "ok"}, nil
		})

	d := rpcDelivery(`{"refresh_token":"r"}`)
	d.ReplyTo = ""
	if err := h(context.Background(), d); err != nil {
		t.Fatalf("fire-and-forget delivery must ack: %v", err)
	}
	if pub.calls != 0 {
		t.Fatal("nothing to reply to; publish must be skipped")
	}
}

func TestEndpointReplyPublishFailureIsSwallowed(t *testing.T) {
	pub := &fakeReplier{err: errors.New("channel closed")}
	h := Endpoint(pub, validator.New(), "q", zerolog.Nop(),
		func(ctx context.Context, req *domain.LogoutRequest) (any, error) {
			return domain.LogoutResponse{Success: true, Message: "ok"}, nil
		})

	if err := h(context.Background(), rpcDelivery(`{"refresh_token":"r"}`)); err != nil {
		t.Fatalf("reply failure must not re-run the handler: %v", err)
	}
}

func TestPayloadOf(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"flat body", `{"username":"u"}`, `{"username":"u"}`},
		{"payload envelope", `{"payload":{"username":"u"}}`, `{"username":"u"}`},
		{"null payload", `{"payload":null,"username":"u"}`, `{"payload":null,"username":"u"}`},
		{"non-object body", `"hello"`, `"hello"`},
		{"array body", `[1,2]`, `[1,2]`},
	}
	for _, tc := range cases {
		if got := string(payloadOf([]byte(tc.body))); got != tc.want {
			t.Errorf("%s: payloadOf = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRetriableClassification(t *testing.T) {
	if retriable(domain.ErrInvalidCredentials()) {
		t.Fatal("business errors must not retry")
	}
	if retriable(domain.ErrValidationFailed("x")) {
		t.Fatal("validation errors must not retry")
	}
	if !retriable(domain.ErrDBUnavailable(errors.New("x"))) {
		t.Fatal("infrastructure errors must retry")
	}
	if !retriable(domain.ErrInternal(errors.New("x"))) {
		t.Fatal("internal errors must retry")
	}
	if !retriable(errors.New("surprise")) {
		t.Fatal("unclassified errors must retry")
	}
}
