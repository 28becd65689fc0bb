package bootstrap

import (
	"context"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/driftmark/gamecore/internal/config"
	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/gateway"
	"github.com/driftmark/gamecore/internal/logger"
	"github.com/driftmark/gamecore/internal/messaging/rabbitmq"
	"github.com/driftmark/gamecore/internal/transport/http/handlers"
	"github.com/driftmark/gamecore/internal/transport/http/router"
	"github.com/driftmark/gamecore/internal/transport/ws"
)

// outboundPrefetch sizes the window on the fan-out queues. Dispatch is a
// map lookup plus a socket write, so a wider window than the RPC queues
// costs little and keeps event delivery off the broker round-trip clock.
const outboundPrefetch = 32

// BuildGateway wires the gateway process: the bus with this instance's
// topology, the session registry with its sweeper, the outbound and
// broadcast consumers, and the public HTTP listener carrying the REST
// bridge plus the WebSocket endpoint.
func BuildGateway() (*App, func(), error) {
	cfg, err := config.LoadGateway()
	if err != nil {
		return nil, nil, err
	}
	lg := logger.Logger

	// 1) bus; the broadcast queue name is minted once per process and
	// redeclared by the hook after every reconnect
	bus := rabbitmq.NewBus(cfg.Broker, lg)
	topo := rabbitmq.NewGatewayTopology()
	cleanupFns := []func(){func() { _ = bus.Close() }}
	if err := bus.OnReady(func(ch *amqp.Channel) error {
		return topo.Declare(ch)
	}); err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}
	if err := bus.Connect(context.Background()); err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}
	lg.Info().Str("broadcast_queue", topo.BroadcastQueue).Msg("gateway topology declared")

	// 2) session plane
	registry := gateway.NewRegistry(lg)
	sweeper := gateway.NewSweeper(registry, cfg.WSPingInterval, cfg.WSIdleTimeout, lg)

	outbound := rabbitmq.NewListener(bus, rabbitmq.ListenerConfig{
		Queue:    rabbitmq.QueueWSOutbound,
		Prefetch: outboundPrefetch,
	}, gateway.NewDispatcher(registry, lg), lg)

	broadcast := rabbitmq.NewListener(bus, rabbitmq.ListenerConfig{
		Queue:      topo.BroadcastQueue,
		Prefetch:   outboundPrefetch,
		BestEffort: true,
	}, gateway.NewBroadcaster(registry, lg), lg)

	// 3) public surface
	endpoint := ws.NewEndpoint(registry, bus, ws.Config{
		AuthTimeout:  cfg.WSAuthTimeout,
		MaxMsgBytes:  cfg.WSMaxMsgBytes,
		HeartbeatSec: int(cfg.WSPingInterval / time.Second),
	}, lg)

	health := handlers.NewHealthHandler(map[string]handlers.Probe{
		"bus": busProbe(bus),
	})
	mux := router.NewGateway(handlers.NewAuthHandler(bus, lg), health, endpoint.Handler(), cfg)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	app := newApp(srv, lg)
	app.background = append(app.background,
		func(ctx context.Context) { go sweeper.Run(ctx) },
		outbound.Start,
		broadcast.Start,
	)
	app.preStop = append(app.preStop, func() {
		registry.CloseAll(domain.CloseGoingAway, "server shutting down")
	})
	app.drains = append(app.drains, outbound.Wait, broadcast.Wait)

	return app, func() { runCleanup(cleanupFns) }, nil
}
