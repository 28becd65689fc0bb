package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/metrics"
)

// Handler processes one delivery. A returned error sends the message
// through the broker retry cycle; wrap it with Poison to park it in the
// DLQ immediately instead.
type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d amqp.Delivery) error { return f(ctx, d) }

// poisonError marks a delivery that must never be retried.
type poisonError struct {
	err error
}

func (e *poisonError) Error() string { return e.err.Error() }
func (e *poisonError) Unwrap() error { return e.err }

// Poison wraps err so the listener parks the delivery in the DLQ instead
// of cycling it through the retry queue.
func Poison(err error) error { return &poisonError{err: err} }

// IsPoison reports whether err marks its delivery as unretriable.
func IsPoison(err error) bool {
	var p *poisonError
	return errors.As(err, &p)
}

// dlqPublisher is the bus surface the listener needs; an interface so
// tests can record parked messages without a broker.
type dlqPublisher interface {
	PublishToDLQ(ctx context.Context, queue string, d amqp.Delivery, reason string) error
}

// ListenerConfig tunes one queue subscription.
type ListenerConfig struct {
	Queue      string
	Prefetch   int // 1 for RPC queues, higher for fan-out planes
	Consumers  int // parallel consumer workers, default 1
	MaxRetries int // broker retry cycles before the DLQ; 0 parks the first failure

	// BestEffort acks every delivery no matter what the handler returns.
	// For fan-out queues with no retry triad behind them: a failure is
	// logged and dropped, never rejected or parked.
	BestEffort bool
}

// Listener subscribes to one queue and drives every delivery to exactly one
// of: ack, DLQ-then-ack, or reject-without-requeue. Retries ride the broker
// clock through the retry triad; the listener never sleeps a delivery.
type Listener struct {
	bus     *Bus
	dlq     dlqPublisher
	cfg     ListenerConfig
	handler Handler
	lg      zerolog.Logger

	wg sync.WaitGroup
}

func NewListener(bus *Bus, cfg ListenerConfig, h Handler, lg zerolog.Logger) *Listener {
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Listener{
		bus:     bus,
		dlq:     bus,
		cfg:     cfg,
		handler: h,
		lg:      lg.With().Str("component", "listener").Str("queue", cfg.Queue).Logger(),
	}
}

// Start launches the consumer workers. They run until ctx is cancelled,
// resubscribing whenever the broker connection is replaced.
func (l *Listener) Start(ctx context.Context) {
	for i := 0; i < l.cfg.Consumers; i++ {
		l.wg.Add(1)
		go func(worker int) {
			defer l.wg.Done()
			l.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has exited or ctx expires.
func (l *Listener) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) run(ctx context.Context, worker int) {
	backoff := reconnectBackoffMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, ch, err := l.bus.Consume(ctx, l.cfg.Queue, l.cfg.Prefetch)
		if err != nil {
			l.lg.Warn().Err(err).Int("worker", worker).Dur("backoff", backoff).Msg("subscribe failed; retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, reconnectBackoffMax)
			continue
		}
		backoff = reconnectBackoffMin
		l.lg.Info().Int("worker", worker).Int("prefetch", l.cfg.Prefetch).Msg("consumer ready")

		l.consumeLoop(ctx, deliveries)
		_ = ch.Close()

		select {
		case <-ctx.Done():
			return
		default:
			l.lg.Warn().Int("worker", worker).Msg("deliveries closed; resubscribing")
		}
	}
}

func (l *Listener) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.process(ctx, d)
		}
	}
}

// process applies the per-delivery policy:
//
//  1. retry budget spent -> park in DLQ, ack
//  2. body is not JSON   -> park in DLQ, ack
//  3. handler poison     -> park in DLQ, ack
//  4. handler error      -> reject without requeue (broker retry cycle);
//     with MaxRetries 0 there is no cycle, so the failure parks instead
//  5. success            -> ack
//
// BestEffort listeners collapse 2-4 to log-and-ack.
func (l *Listener) process(ctx context.Context, d amqp.Delivery) {
	metrics.RecordBusConsumed(l.cfg.Queue)
	start := time.Now()

	if n := deathCount(d.Headers); l.cfg.MaxRetries > 0 && n >= l.cfg.MaxRetries {
		l.lg.Error().Int("retries", n).Str("message_id", d.MessageId).Msg("retry budget exhausted; parking in DLQ")
		l.park(ctx, d, "retry_budget_exhausted")
		return
	}

	if !json.Valid(d.Body) {
		if l.cfg.BestEffort {
			l.lg.Error().Str("message_id", d.MessageId).Msg("malformed JSON body; dropping")
			_ = d.Ack(false)
			return
		}
		l.lg.Error().Str("message_id", d.MessageId).Msg("malformed JSON body; parking in DLQ")
		l.park(ctx, d, "malformed_json")
		return
	}

	err := l.handler.Handle(ctx, d)
	if err == nil {
		_ = d.Ack(false)
		l.lg.Debug().Str("routing_key", d.RoutingKey).Dur("took", time.Since(start)).Msg("message processed")
		return
	}

	if l.cfg.BestEffort {
		l.lg.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("handle failed; dropping")
		_ = d.Ack(false)
		return
	}

	var poison *poisonError
	if errors.As(err, &poison) {
		l.lg.Error().Err(err).Str("message_id", d.MessageId).Msg("unprocessable message; parking in DLQ")
		l.park(ctx, d, "invalid_payload")
		return
	}

	if l.cfg.MaxRetries <= 0 {
		l.lg.Error().Err(err).Str("message_id", d.MessageId).Msg("handle failed with no retry budget; parking in DLQ")
		l.park(ctx, d, "retry_budget_exhausted")
		return
	}

	metrics.RecordRetryAttempt(l.cfg.Queue)
	_ = d.Reject(false)
	l.lg.Warn().Err(err).Int("retries", deathCount(d.Headers)).Str("routing_key", d.RoutingKey).
		Msg("handle failed; rejected into retry cycle")
}

// park republishes the body to the DLQ and acks the original. If the DLQ
// publish itself fails the delivery is requeued so nothing is lost.
func (l *Listener) park(ctx context.Context, d amqp.Delivery, reason string) {
	if err := l.dlq.PublishToDLQ(ctx, l.cfg.Queue, d, reason); err != nil {
		l.lg.Error().Err(err).Msg("DLQ publish failed; requeueing delivery")
		_ = d.Nack(false, true)
		return
	}
	metrics.RecordDLQMessage(l.cfg.Queue, reason)
	_ = d.Ack(false)
}

// deathCount reads x-death[0].count, the broker's authoritative counter of
// trips through the retry cycle.
func deathCount(h amqp.Table) int {
	if h == nil {
		return 0
	}
	deaths, ok := h["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return 0
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return 0
	}
	switch c := first["count"].(type) {
	case int:
		return c
	case int32:
		return int(c)
	case int64:
		return int(c)
	case float64:
		return int(c)
	default:
		return 0
	}
}
