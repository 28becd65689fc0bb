package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/driftmark/gamecore/internal/application/auth"
	"github.com/driftmark/gamecore/internal/config"
	"github.com/driftmark/gamecore/internal/infrastructure/postgres"
	redisinfra "github.com/driftmark/gamecore/internal/infrastructure/redis"
	"github.com/driftmark/gamecore/internal/infrastructure/security"
	"github.com/driftmark/gamecore/internal/logger"
	"github.com/driftmark/gamecore/internal/messaging/rabbitmq"
	amqptransport "github.com/driftmark/gamecore/internal/transport/amqp"
	"github.com/driftmark/gamecore/internal/transport/http/handlers"
	"github.com/driftmark/gamecore/internal/transport/http/router"
)

// BuildAuthService wires the auth process: Postgres, Redis, the bus with
// the RPC retry topology, the five RPC listeners and the ops-only HTTP
// listener. All infrastructure is required; a missing dependency fails the
// boot instead of starting a service that cannot answer a single RPC.
func BuildAuthService() (*App, func(), error) {
	cfg, err := config.LoadAuth()
	if err != nil {
		return nil, nil, err
	}
	lg := logger.Logger

	// 1) postgres
	db, err := config.NewDB(cfg.DatabaseURL, cfg.DBSchema)
	if err != nil {
		return nil, nil, err
	}
	cleanupFns := []func(){func() { _ = db.Close() }}
	lg.Info().Str("schema", cfg.DBSchema).Msg("postgres connected")

	// 2) redis
	rdb, err := redisinfra.NewClient(cfg.Redis)
	if err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}
	cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
	lg.Info().Msg("redis connected")

	// 3) bus; the topology hook re-runs on every reconnect so the retry
	// triads exist again after a broker restart
	bus := rabbitmq.NewBus(cfg.Broker, lg)
	cleanupFns = append(cleanupFns, func() { _ = bus.Close() })
	if err := bus.OnReady(func(ch *amqp.Channel) error {
		return rabbitmq.DeclareAuthTopology(ch, cfg.Broker.RPCRetryDelay)
	}); err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}
	if err := bus.Connect(context.Background()); err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}

	// 4) domain wiring
	tokens := security.NewTokenManager(security.TokenConfig{
		Secret:       cfg.JWTSecret,
		Issuer:       cfg.JWTIssuer,
		Audience:     cfg.JWTAudience,
		AccessTTL:    cfg.AccessTTL,
		RefreshTTL:   cfg.RefreshTTL,
		CompatAnyAud: cfg.CompatAnyAud,
	})
	guard := redisinfra.NewLoginGuard(rdb, cfg.LoginMaxAttempts, cfg.LoginWindowTTL, cfg.LoginBanTTL)

	svc := auth.NewService(auth.Deps{
		Accounts:  postgres.NewAccountRepo(db),
		Tokens:    postgres.NewRefreshTokenRepo(db),
		Hasher:    security.NewPasswordHasher(cfg.BcryptCost),
		JWT:       tokens,
		Guard:     guard,
		AccessTTL: cfg.AccessTTL,
		Logger:    lg,
	})

	// 5) RPC listeners
	listeners := amqptransport.MountAuth(bus, svc, cfg.Broker, lg)

	// 6) ops listener: probes and metrics only, all real traffic is AMQP
	health := handlers.NewHealthHandler(map[string]handlers.Probe{
		"bus":      busProbe(bus),
		"postgres": db.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router.NewAuth(health),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}

	app := newApp(srv, lg)
	for _, ln := range listeners {
		app.background = append(app.background, ln.Start)
		app.drains = append(app.drains, ln.Wait)
	}

	return app, func() { runCleanup(cleanupFns) }, nil
}

func busProbe(bus *rabbitmq.Bus) handlers.Probe {
	return func(context.Context) error {
		if !bus.IsReady() {
			return errors.New("bus not connected")
		}
		return nil
	}
}
