package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/messaging/rabbitmq"
	"github.com/driftmark/gamecore/internal/metrics"
)

// Dispatcher consumes the shared ws_outbound queue and pushes each message
// to the recipient's live sessions on this instance. Delivery past the queue
// is best-effort: a recipient that is not here (or not anywhere) costs an
// ack, never a retry.
type Dispatcher struct {
	registry *Registry
	lg       zerolog.Logger
}

func NewDispatcher(registry *Registry, lg zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		lg:       lg.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle implements rabbitmq.Handler for the outbound queue.
func (dp *Dispatcher) Handle(ctx context.Context, d amqp.Delivery) error {
	var msg domain.OutboundMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return rabbitmq.Poison(fmt.Errorf("decode outbound message: %w", err))
	}

	frame, err := renderOutbound(&msg)
	if err != nil {
		return rabbitmq.Poison(fmt.Errorf("render outbound frame: %w", err))
	}

	if msg.Recipient == nil || (msg.Recipient.ConnectionID == "" && msg.Recipient.AccountID == 0) {
		dp.lg.Warn().Str("event", msg.Event).Msg("outbound message without recipient; dropping")
		return nil
	}

	ids := dp.resolve(msg.Recipient)
	if len(ids) == 0 {
		// The recipient lives on another instance or is offline. The
		// message was consumed here, so it is gone either way.
		dp.lg.Debug().Str("event", msg.Event).
			Str("connection_id", msg.Recipient.ConnectionID).
			Int64("account_id", msg.Recipient.AccountID).
			Msg("recipient has no session here; dropping")
		return nil
	}

	sent := 0
	for _, id := range ids {
		if dp.registry.Send(id, frame) {
			sent++
		}
	}
	metrics.RecordWSOutboundN("dispatch", sent)
	dp.lg.Debug().Str("event", msg.Event).Int("sessions", len(ids)).Int("sent", sent).Msg("outbound message dispatched")
	return nil
}

// resolve expands the recipient selector into local connection ids. An
// explicit connection id wins over the account fan-out.
func (dp *Dispatcher) resolve(r *domain.Recipient) []string {
	if r.ConnectionID != "" {
		if _, ok := dp.registry.ClientType(r.ConnectionID); ok {
			return []string{r.ConnectionID}
		}
		return nil
	}
	return dp.registry.Find(r.AccountID)
}

// renderOutbound turns a backend outbound message into the client frame.
// Backend status "error" becomes an error frame carrying only the taxonomy
// code and safe message; everything else becomes an event frame whose status
// is ok/update, overridden to "final" by the final flag.
func renderOutbound(msg *domain.OutboundMessage) ([]byte, error) {
	if msg.Status == domain.EventStatusError {
		body := domain.ErrorBody{Code: domain.CodeInternal, Message: "internal error"}
		if msg.Error != nil {
			body = *msg.Error
			if body.Code == "" {
				body.Code = domain.CodeInternal
			}
			if body.Message == "" {
				body.Message = "internal error"
			}
		}
		return json.Marshal(domain.ErrorFrame{
			Type:      domain.FrameError,
			Error:     body,
			RequestID: msg.RequestID,
		})
	}

	status := msg.Status
	if status == "" {
		status = domain.EventStatusOK
	}
	if msg.Final {
		status = domain.EventStatusFinal
	}
	return json.Marshal(domain.EventFrame{
		Type:         domain.FrameEvent,
		Event:        msg.Event,
		Status:       status,
		Payload:      msg.Payload,
		RequestID:    msg.RequestID,
		Tick:         msg.Tick,
		StateVersion: msg.StateVersion,
	})
}
