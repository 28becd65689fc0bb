// Package amqp mounts application services onto the message bus: one
// listener per RPC queue, each adapting a service method into the reply
// envelope protocol.
package amqp

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/application/auth"
	"github.com/driftmark/gamecore/internal/config"
	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/messaging/rabbitmq"
)

// MountAuth builds the five auth RPC listeners. Start them once the
// topology is declared; they resubscribe on their own after broker
// reconnects.
func MountAuth(bus *rabbitmq.Bus, svc *auth.Service, broker config.Broker, lg zerolog.Logger) []*rabbitmq.Listener {
	validate := validator.New()

	mount := func(queue string, h rabbitmq.HandlerFunc) *rabbitmq.Listener {
		return rabbitmq.NewListener(bus, rabbitmq.ListenerConfig{
			Queue:      queue,
			Prefetch:   broker.Prefetch,
			MaxRetries: broker.RPCMaxRetries,
		}, h, lg)
	}

	return []*rabbitmq.Listener{
		mount(rabbitmq.QueueAuthRegister,
			rabbitmq.Endpoint(bus, validate, rabbitmq.QueueAuthRegister, lg,
				func(ctx context.Context, req *domain.RegisterRequest) (any, error) {
					return svc.Register(ctx, req)
				})),
		mount(rabbitmq.QueueAuthIssueToken,
			rabbitmq.Endpoint(bus, validate, rabbitmq.QueueAuthIssueToken, lg,
				func(ctx context.Context, req *domain.IssueTokenRequest) (any, error) {
					return svc.Issue(ctx, req)
				})),
		mount(rabbitmq.QueueAuthRefreshToken,
			rabbitmq.Endpoint(bus, validate, rabbitmq.QueueAuthRefreshToken, lg,
				func(ctx context.Context, req *domain.RefreshTokenRequest) (any, error) {
					return svc.Refresh(ctx, req)
				})),
		mount(rabbitmq.QueueAuthLogout,
			rabbitmq.Endpoint(bus, validate, rabbitmq.QueueAuthLogout, lg,
				func(ctx context.Context, req *domain.LogoutRequest) (any, error) {
					return svc.Logout(ctx, req)
				})),
		mount(rabbitmq.QueueAuthValidateToken,
			rabbitmq.Endpoint(bus, validate, rabbitmq.QueueAuthValidateToken, lg,
				func(ctx context.Context, req *domain.ValidateTokenRequest) (any, error) {
					return svc.Validate(ctx, req)
				})),
	}
}
