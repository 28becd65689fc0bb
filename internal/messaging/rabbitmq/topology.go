package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the slice of *amqp.Channel that topology setup needs.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareCore declares the three shared exchanges. Idempotent, safe to run
// on every (re)connect.
func DeclareCore(ch Declarer) error {
	exchanges := []struct {
		name string
		kind string
	}{
		{ExchangeRPC, "direct"},
		{ExchangeEvents, "topic"},
		{ExchangeDLX, "direct"},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange declare (%s): %w", ex.name, err)
		}
	}
	return nil
}

// DeclareRPCQueue declares the retry triad for one base queue:
//
//	Q.dlq   parking queue, no expiry
//	Q.retry delay queue, TTL = retryDelay, dead-letters back to Q
//	Q       work queue, rejects dead-letter to Q.retry
//
// Declared leaves-first so a half-finished setup never leaves Q pointing
// at a dead-letter target that does not exist yet.
func DeclareRPCQueue(ch Declarer, queue string, retryDelay time.Duration) error {
	dlq := DLQName(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("dlq declare (%s): %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, dlq, ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("dlq bind (%s): %w", dlq, err)
	}

	retry := RetryQueueName(queue)
	retryArgs := amqp.Table{
		"x-message-ttl":             retryDelay.Milliseconds(),
		"x-dead-letter-exchange":    ExchangeRPC,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(retry, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("retry declare (%s): %w", retry, err)
	}
	if err := ch.QueueBind(retry, retry, ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("retry bind (%s): %w", retry, err)
	}

	baseArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeDLX,
		"x-dead-letter-routing-key": retry,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, baseArgs); err != nil {
		return fmt.Errorf("queue declare (%s): %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, ExchangeRPC, false, nil); err != nil {
		return fmt.Errorf("queue bind (%s): %w", queue, err)
	}

	return nil
}

// DeclareAuthTopology sets up everything the auth service consumes: the
// core exchanges and a retry triad per RPC queue.
func DeclareAuthTopology(ch Declarer, retryDelay time.Duration) error {
	if err := DeclareCore(ch); err != nil {
		return err
	}
	for _, q := range AuthRPCQueues() {
		if err := DeclareRPCQueue(ch, q, retryDelay); err != nil {
			return err
		}
	}
	return nil
}

// GatewayTopology owns the gateway-side queue names. The broadcast queue
// suffix is minted once per process; reconnects redeclare the same name so
// the running broadcaster keeps its identity.
type GatewayTopology struct {
	BroadcastQueue string
}

func NewGatewayTopology() *GatewayTopology {
	return &GatewayTopology{BroadcastQueue: BroadcastQueueName()}
}

// Declare sets up the core exchanges, the shared durable outbound queue and
// this instance's exclusive broadcast queue bound to every event topic.
func (t *GatewayTopology) Declare(ch Declarer) error {
	if err := DeclareCore(ch); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(QueueWSOutbound, true, false, false, false, nil); err != nil {
		return fmt.Errorf("outbound queue declare: %w", err)
	}

	// No retry queue for the outbound plane (delivery is best-effort), but
	// unparseable bodies still need somewhere to land for inspection.
	dlq := DLQName(QueueWSOutbound)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("outbound dlq declare: %w", err)
	}
	if err := ch.QueueBind(dlq, dlq, ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("outbound dlq bind: %w", err)
	}

	if _, err := ch.QueueDeclare(t.BroadcastQueue, false, true, true, false, nil); err != nil {
		return fmt.Errorf("broadcast queue declare (%s): %w", t.BroadcastQueue, err)
	}
	if err := ch.QueueBind(t.BroadcastQueue, "#", ExchangeEvents, false, nil); err != nil {
		return fmt.Errorf("broadcast queue bind (%s): %w", t.BroadcastQueue, err)
	}

	return nil
}
