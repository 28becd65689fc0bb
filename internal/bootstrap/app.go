// Package bootstrap assembles each process from config: every constructor
// call, connection dial and cleanup hook lives here so the cmd mains stay
// thin and testable.
package bootstrap

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// App is one assembled process: an HTTP listener plus the background loops
// (bus consumers, idle sweeper) that live and die with it. It exposes the
// same surface as *http.Server so the cmd mains drive both kinds of process
// through one code path.
type App struct {
	srv *http.Server
	lg  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// background starters are non-blocking; they receive the consumer ctx.
	background []func(ctx context.Context)
	// preStop runs after the HTTP drain, before the consumers are cancelled.
	preStop []func()
	// drains block until a consumer has finished its in-flight work.
	drains []func(ctx context.Context) error
}

func newApp(srv *http.Server, lg zerolog.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{srv: srv, lg: lg, ctx: ctx, cancel: cancel}
}

func (a *App) Addr() string { return a.srv.Addr }

// ListenAndServe starts the background loops and then blocks serving HTTP.
func (a *App) ListenAndServe() error {
	for _, start := range a.background {
		start(a.ctx)
	}
	return a.srv.ListenAndServe()
}

// Shutdown drains HTTP first, then runs the pre-stop steps, then cancels
// the background loops and waits for the consumers to finish. Hijacked
// WebSocket connections are invisible to http.Server.Shutdown, so closing
// live sockets happens in preStop, not in the drain.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.srv.Shutdown(ctx)
	for _, fn := range a.preStop {
		fn()
	}
	a.cancel()
	for _, drain := range a.drains {
		if derr := drain(ctx); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// Close aborts everything without draining.
func (a *App) Close() error {
	a.cancel()
	return a.srv.Close()
}

func runCleanup(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
