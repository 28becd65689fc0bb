package gateway

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/metrics"
)

// Broadcaster consumes this instance's exclusive broadcast queue and fans
// every event out to all local sessions. The consumed routing key becomes
// the frame topic; the body travels through untouched.
type Broadcaster struct {
	registry *Registry
	lg       zerolog.Logger
}

func NewBroadcaster(registry *Registry, lg zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		lg:       lg.With().Str("component", "broadcaster").Logger(),
	}
}

// Handle implements rabbitmq.Handler for the broadcast queue. It never
// returns an error: the queue is exclusive and auto-delete, so there is
// nothing behind it to retry or park into.
func (b *Broadcaster) Handle(ctx context.Context, d amqp.Delivery) error {
	frame, err := json.Marshal(domain.NewBroadcastFrame(d.RoutingKey, d.Body))
	if err != nil {
		b.lg.Error().Err(err).Str("topic", d.RoutingKey).Msg("broadcast frame marshal failed; dropping")
		return nil
	}

	sent := b.registry.Broadcast("", frame)
	metrics.RecordWSOutboundN("broadcast", sent)
	b.lg.Debug().Str("topic", d.RoutingKey).Int("sent", sent).Msg("event fanned out")
	return nil
}
