package rabbitmq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/metrics"
)

// replyPublisher is the bus surface RPC endpoints answer through.
type replyPublisher interface {
	PublishRPCResponse(ctx context.Context, replyTo string, resp *domain.RPCResponse) error
}

// Endpoint adapts a typed handler into a listener Handler. It unwraps the
// request payload, validates it, runs fn and answers on reply_to with the
// uniform response envelope. Business failures become error envelopes;
// only infrastructure and internal failures propagate into the broker
// retry cycle, because resending an envelope is safe but re-running a
// handler is not.
func Endpoint[Req any](pub replyPublisher, validate *validator.Validate, queue string, lg zerolog.Logger, fn func(ctx context.Context, req *Req) (any, error)) HandlerFunc {
	lg = lg.With().Str("component", "rpc_endpoint").Str("queue", queue).Logger()

	return func(ctx context.Context, d amqp.Delivery) error {
		start := time.Now()

		var req Req
		if err := json.Unmarshal(payloadOf(d.Body), &req); err != nil {
			return respond(ctx, pub, lg, queue, d, nil,
				domain.ErrValidationFailed("request payload does not decode"), start)
		}
		if err := validate.Struct(&req); err != nil {
			return respond(ctx, pub, lg, queue, d, nil,
				domain.ErrValidationFailed(validationMessage(err)), start)
		}

		data, err := fn(ctx, &req)
		if err != nil && retriable(err) {
			lg.Error().Err(err).Str("correlation_id", d.CorrelationId).Msg("handler failed; delivery enters retry cycle")
			metrics.RecordRPCHandled(queue, domain.CodeOf(err), time.Since(start))
			return err
		}
		return respond(ctx, pub, lg, queue, d, data, err, start)
	}
}

func respond(ctx context.Context, pub replyPublisher, lg zerolog.Logger, queue string, d amqp.Delivery, data any, herr error, start time.Time) error {
	var resp *domain.RPCResponse
	if herr != nil {
		resp = domain.ErrEnvelope(herr, d.CorrelationId)
	} else {
		ok, err := domain.OkEnvelope(data, d.CorrelationId)
		if err != nil {
			resp = domain.ErrEnvelope(domain.ErrInternal(err), d.CorrelationId)
		} else {
			resp = ok
		}
	}

	metrics.RecordRPCHandled(queue, resp.ErrorCode, time.Since(start))

	if d.ReplyTo == "" {
		lg.Debug().Str("correlation_id", d.CorrelationId).Msg("no reply_to; dropping response")
		return nil
	}
	if err := pub.PublishRPCResponse(ctx, d.ReplyTo, resp); err != nil {
		// Returning the error would re-run the handler and repeat its side
		// effects just to resend an envelope; the caller's timeout covers
		// a lost reply.
		lg.Error().Err(err).Str("correlation_id", d.CorrelationId).Msg("reply publish failed; dropping")
	}
	return nil
}

// payloadOf unwraps {"payload": {...}} envelopes; flat bodies pass through
// unchanged.
func payloadOf(body []byte) []byte {
	var probe struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &probe); err == nil &&
		len(probe.Payload) > 0 && !bytes.Equal(probe.Payload, []byte("null")) {
		return probe.Payload
	}
	return body
}

// retriable reports whether a handler failure should ride the broker retry
// cycle instead of becoming an error reply.
func retriable(err error) bool {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Kind == domain.KindInfrastructure || derr.Kind == domain.KindInternal
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "request failed validation"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return strings.Join(msgs, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
