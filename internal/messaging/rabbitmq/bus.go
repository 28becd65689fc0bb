package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/config"
	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/metrics"
)

const (
	// confirmWait bounds how long a confirmed publish blocks waiting for
	// the broker ack when the caller context carries no earlier deadline.
	confirmWait = 5 * time.Second

	reconnectBackoffMin = 1 * time.Second
	reconnectBackoffMax = 30 * time.Second
)

type rpcOutcome struct {
	resp *domain.RPCResponse
	err  error
}

// Bus owns the broker connection: one confirmed publishing channel per
// process, the Direct Reply-to consumer for RPC replies, and the reconnect
// supervisor. Consume-only channels are handed out per queue.
type Bus struct {
	cfg config.Broker
	lg  zerolog.Logger

	mu       sync.RWMutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
	ready    chan struct{}

	// pmu serializes confirmed publishes so each waits on its own ack.
	pmu sync.Mutex

	fmu     sync.Mutex
	futures map[string]chan rpcOutcome

	hmu   sync.Mutex
	hooks []func(ch *amqp.Channel) error

	closeOnce sync.Once
	closing   chan struct{}
}

func NewBus(cfg config.Broker, lg zerolog.Logger) *Bus {
	return &Bus{
		cfg:     cfg,
		lg:      lg.With().Str("component", "bus").Logger(),
		ready:   make(chan struct{}),
		futures: make(map[string]chan rpcOutcome),
		closing: make(chan struct{}),
	}
}

// Connect dials the broker, retrying with backoff until
// RABBITMQ_CONNECT_TIMEOUT elapses, then starts the reconnect supervisor.
func (b *Bus) Connect(ctx context.Context) error {
	deadline := time.Now().Add(b.cfg.ConnectTimeout)
	backoff := reconnectBackoffMin

	for {
		conn, err := amqp.Dial(b.cfg.DSN)
		if err == nil {
			if err := b.setup(conn); err != nil {
				_ = conn.Close()
				return domain.ErrBusUnavailable(err)
			}
			go b.supervise()
			return nil
		}

		if time.Now().Add(backoff).After(deadline) {
			return domain.ErrBusUnavailable(err)
		}
		b.lg.Warn().Err(err).Dur("backoff", backoff).Msg("broker dial failed; retrying")
		if !sleepOrDone(ctx, backoff) {
			return domain.ErrBusUnavailable(ctx.Err())
		}
		backoff = minDur(backoff*2, 5*time.Second)
	}
}

// setup opens the publishing channel, enables confirms, attaches the
// Direct Reply-to consumer and replays the topology hooks.
func (b *Bus) setup(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}

	// Must be registered after Confirm.
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 32))
	returns := ch.NotifyReturn(make(chan amqp.Return, 32))

	// No per-call reply queues: one consumer on the reply-to pseudo-queue
	// serves every in-flight RPC on this connection. autoAck is required
	// by the broker for this queue.
	replies, err := ch.Consume(replyToPseudoQueue, "", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("reply-to consume: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.confirms = confirms
	b.returns = returns
	b.mu.Unlock()

	go b.dispatchReplies(replies)

	if err := b.runHooks(ch); err != nil {
		return err
	}

	b.mu.Lock()
	close(b.ready)
	b.mu.Unlock()

	b.lg.Info().Msg("bus connected (confirms on, reply-to consumer attached)")
	return nil
}

// supervise re-dials after a connection loss, with unbounded backoff,
// until Close is called.
func (b *Bus) supervise() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.closing:
			return
		case err := <-closed:
			if err == nil {
				return
			}
			b.lg.Warn().Str("reason", err.Reason).Msg("broker connection lost; reconnecting")
		}

		b.mu.Lock()
		b.ready = make(chan struct{})
		b.mu.Unlock()

		backoff := reconnectBackoffMin
		for {
			select {
			case <-b.closing:
				return
			default:
			}

			conn, err := amqp.Dial(b.cfg.DSN)
			if err == nil {
				if err = b.setup(conn); err == nil {
					break
				}
				_ = conn.Close()
			}

			b.lg.Warn().Err(err).Dur("backoff", backoff).Msg("broker redial failed")
			if !sleepOrDone(context.Background(), backoff) {
				return
			}
			backoff = minDur(backoff*2, reconnectBackoffMax)
		}
	}
}

// OnReady registers a hook run on the publishing channel after every
// (re)connect, before the bus reports ready. Topology declarations go here
// so queues exist again after a broker restart. If the bus is already
// connected the hook runs immediately.
func (b *Bus) OnReady(hook func(ch *amqp.Channel) error) error {
	b.hmu.Lock()
	b.hooks = append(b.hooks, hook)
	b.hmu.Unlock()

	b.mu.RLock()
	ch := b.pubCh
	ready := b.ready
	b.mu.RUnlock()

	select {
	case <-ready:
		return hook(ch)
	default:
		return nil
	}
}

func (b *Bus) runHooks(ch *amqp.Channel) error {
	b.hmu.Lock()
	hooks := make([]func(*amqp.Channel) error, len(b.hooks))
	copy(hooks, b.hooks)
	b.hmu.Unlock()

	for _, hook := range hooks {
		if err := hook(ch); err != nil {
			return fmt.Errorf("topology hook: %w", err)
		}
	}
	return nil
}

// WaitReady blocks until the bus is connected and topology hooks have run.
func (b *Bus) WaitReady(ctx context.Context) error {
	b.mu.RLock()
	ready := b.ready
	b.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-b.closing:
		return domain.ErrBusUnavailable(errors.New("bus closed"))
	case <-ctx.Done():
		return domain.ErrBusUnavailable(ctx.Err())
	}
}

// IsReady reports whether the bus currently holds a live connection.
func (b *Bus) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	select {
	case <-b.ready:
		return b.conn != nil && !b.conn.IsClosed()
	default:
		return false
	}
}

// Channel hands out a fresh consume channel once the bus is ready.
func (b *Bus) Channel(ctx context.Context) (*amqp.Channel, error) {
	if err := b.WaitReady(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, domain.ErrBusUnavailable(err)
	}
	return ch, nil
}

// Consume opens a manual-ack subscription with its own channel and QoS.
// The caller owns the returned channel and decides ack/nack per delivery.
func (b *Bus) Consume(ctx context.Context, queue string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := b.Channel(ctx)
	if err != nil {
		return nil, nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("qos: %w", err)
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}

// Close stops the supervisor and tears the connection down. In-flight RPC
// callers resolve as timeouts; their replies can never arrive because the
// reply-to pseudo-queue dies with the connection.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closing)
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// returnError is a mandatory publish bounced back as unroutable.
type returnError struct {
	ret amqp.Return
}

func (e *returnError) Error() string {
	return fmt.Sprintf("publish returned: reply=%d text=%q exchange=%q rk=%q",
		e.ret.ReplyCode, e.ret.ReplyText, e.ret.Exchange, e.ret.RoutingKey)
}

// publish sends one message and blocks until broker ack, broker return,
// or timeout. Serialized so confirms pair with their publish.
func (b *Bus) publish(ctx context.Context, exchange, key string, mandatory bool, pub amqp.Publishing) error {
	if err := b.WaitReady(ctx); err != nil {
		return err
	}

	b.pmu.Lock()
	defer b.pmu.Unlock()

	b.mu.RLock()
	ch := b.pubCh
	confirms := b.confirms
	returns := b.returns
	b.mu.RUnlock()

	// Drop leftovers from publishes that timed out before their ack came in.
	drainConfirms(confirms)
	drainReturns(returns)

	if err := ch.PublishWithContext(ctx, exchange, key, mandatory, false, pub); err != nil {
		return domain.ErrBusUnavailable(err)
	}

	timer := time.NewTimer(confirmWait)
	defer timer.Stop()

	select {
	case r := <-returns:
		return &returnError{ret: r}
	case c := <-confirms:
		// The broker emits basic.return before the ack for unroutable
		// mandatory messages, so a return that raced the ack is already
		// buffered by the time the ack lands.
		select {
		case r := <-returns:
			return &returnError{ret: r}
		default:
		}
		if !c.Ack {
			return domain.ErrBusUnavailable(errors.New("publish nacked by broker"))
		}
		return nil
	case <-timer.C:
		return domain.ErrBusUnavailable(errors.New("publish wait timeout (no confirm/return)"))
	case <-ctx.Done():
		return domain.ErrBusUnavailable(ctx.Err())
	}
}

// PublishJSON serializes payload and publishes it through the confirmed
// channel. Used for events and the gateway outbound queue.
func (b *Bus) PublishJSON(ctx context.Context, exchange, key string, payload any, persistent bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ErrInternal(err)
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	return b.publish(ctx, exchange, key, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// PublishRPCResponse sends a reply envelope to the requester's reply_to
// address via the default exchange. Replies are non-persistent and not
// mandatory: a requester that gave up has no queue left to route to, and
// that is fine.
func (b *Bus) PublishRPCResponse(ctx context.Context, replyTo string, resp *domain.RPCResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return domain.ErrInternal(err)
	}

	return b.publish(ctx, "", replyTo, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Transient,
		CorrelationId: resp.CorrelationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
}

// PublishToDLQ parks a delivery in the queue's DLQ, preserving the body
// and stamping the reason. Used by listeners for poison messages and
// exhausted retry budgets.
func (b *Bus) PublishToDLQ(ctx context.Context, queue string, d amqp.Delivery, reason string) error {
	h := copyHeaders(d.Headers)
	h["x-dlq-reason"] = reason
	h["x-orig-routing-key"] = d.RoutingKey

	return b.publish(ctx, ExchangeDLX, DLQName(queue), true, amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     time.Now(),
		Headers:       h,
		Body:          d.Body,
	})
}

// CallRPC publishes a request with reply_to set to the Direct Reply-to
// pseudo-queue and waits for the matching reply. Unroutable requests fail
// fast on the broker return instead of burning the full timeout.
func (b *Bus) CallRPC(ctx context.Context, exchange, key string, payload any, correlationID string) (*domain.RPCResponse, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}

	fut := b.registerFuture(correlationID)
	defer b.dropFuture(correlationID)

	start := time.Now()
	err = b.publish(ctx, exchange, key, true, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		ReplyTo:       replyToPseudoQueue,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		var ret *returnError
		if errors.As(err, &ret) {
			metrics.RecordRPCCall(key, "unroutable", time.Since(start))
			return nil, domain.New(domain.KindTimeout, domain.CodeRPCTimeout, "rpc target unroutable").
				WithMeta("routing_key", key)
		}
		metrics.RecordRPCCall(key, "publish_error", time.Since(start))
		return nil, err
	}

	timer := time.NewTimer(b.cfg.RPCTimeout)
	defer timer.Stop()

	select {
	case out := <-fut:
		if out.err != nil {
			metrics.RecordRPCCall(key, "bad_response", time.Since(start))
			return nil, out.err
		}
		metrics.RecordRPCCall(key, "ok", time.Since(start))
		return out.resp, nil
	case <-timer.C:
		metrics.RecordRPCCall(key, "timeout", time.Since(start))
		return nil, domain.ErrRPCTimeout(key)
	case <-ctx.Done():
		metrics.RecordRPCCall(key, "canceled", time.Since(start))
		return nil, ctx.Err()
	}
}

func (b *Bus) registerFuture(correlationID string) chan rpcOutcome {
	fut := make(chan rpcOutcome, 1)
	b.fmu.Lock()
	b.futures[correlationID] = fut
	b.fmu.Unlock()
	return fut
}

func (b *Bus) dropFuture(correlationID string) {
	b.fmu.Lock()
	delete(b.futures, correlationID)
	b.fmu.Unlock()
}

func (b *Bus) pendingFutures() int {
	b.fmu.Lock()
	defer b.fmu.Unlock()
	return len(b.futures)
}

func (b *Bus) dispatchReplies(replies <-chan amqp.Delivery) {
	for d := range replies {
		b.resolveReply(d)
	}
}

// resolveReply routes one reply to its future. Replies whose caller is
// gone (timed out, canceled) are logged and dropped.
func (b *Bus) resolveReply(d amqp.Delivery) {
	b.fmu.Lock()
	fut, ok := b.futures[d.CorrelationId]
	b.fmu.Unlock()

	if !ok {
		b.lg.Warn().Str("correlation_id", d.CorrelationId).Msg("reply for unknown correlation id; dropping")
		return
	}

	var out rpcOutcome
	var resp domain.RPCResponse
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		out.err = domain.ErrRPCBadResponse(err)
	} else {
		if resp.CorrelationID == "" {
			resp.CorrelationID = d.CorrelationId
		}
		out.resp = &resp
	}

	select {
	case fut <- out:
	default:
		b.lg.Warn().Str("correlation_id", d.CorrelationId).Msg("duplicate reply; dropping")
	}
}

func drainConfirms(ch <-chan amqp.Confirmation) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func drainReturns(ch <-chan amqp.Return) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func copyHeaders(in amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
