package rabbitmq

import "github.com/google/uuid"

// Exchange and queue names are versioned wire contracts shared with every
// other service on the broker. Do not rename without a .v2 migration.
const (
	ExchangeRPC    = "core.rpc.v1"
	ExchangeEvents = "core.events.v1"
	ExchangeDLX    = "core.dlx.v1"

	// replyToPseudoQueue is RabbitMQ's Direct Reply-to pseudo-queue. It is
	// never declared; consuming from it with autoAck routes replies back on
	// the requester's own channel.
	replyToPseudoQueue = "amq.rabbitmq.reply-to"

	QueueAuthIssueToken    = "core.auth.rpc.issue_token.v1"
	QueueAuthValidateToken = "core.auth.rpc.validate_token.v1"
	QueueAuthRegister      = "core.auth.rpc.register.v1"
	QueueAuthRefreshToken  = "core.auth.rpc.refresh_token.v1"
	QueueAuthLogout        = "core.auth.rpc.logout.v1"

	QueueWSOutbound = "core.gateway.queue.ws_outbound.v1"

	broadcastQueuePrefix = "gateway.events.broadcast."
)

// AuthRPCQueues lists every auth RPC base queue, each of which gets a
// full retry triad.
func AuthRPCQueues() []string {
	return []string{
		QueueAuthIssueToken,
		QueueAuthValidateToken,
		QueueAuthRegister,
		QueueAuthRefreshToken,
		QueueAuthLogout,
	}
}

// RetryQueueName returns the delay queue of a base queue's retry triad.
func RetryQueueName(queue string) string { return queue + ".retry" }

// DLQName returns the parking queue of a base queue's retry triad.
func DLQName(queue string) string { return queue + ".dlq" }

// BroadcastQueueName mints the per-instance broadcast queue name. Each
// gateway instance owns exactly one, so the suffix only has to be unique
// per broker, not cryptographically strong.
func BroadcastQueueName() string {
	return broadcastQueuePrefix + uuid.NewString()[:8]
}
