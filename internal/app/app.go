// Package app wires the relay together and owns its lifecycle.
//
// A process moves through Starting, Listening, Draining and Stopped. Shutdown
// releases resources in a fixed order: messaging first (HTTP listener, hub and
// client connections), then the fan-out channel, then the database pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/syncrelay/internal/database"
	"github.com/Tyrowin/syncrelay/internal/fanout"
	"github.com/Tyrowin/syncrelay/internal/fanout/memory"
	"github.com/Tyrowin/syncrelay/internal/fanout/postgres"
	"github.com/Tyrowin/syncrelay/internal/fanout/redis"
	"github.com/Tyrowin/syncrelay/internal/server"
)

// State is the process lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customizes an App.
type Option func(*App)

// WithFanoutChannel uses ch instead of building one from the configured
// backend. The App still closes it on shutdown.
func WithFanoutChannel(ch fanout.Channel) Option {
	return func(a *App) { a.channel = ch }
}

type shutdownStep struct {
	name string
	run  func() error
}

// App is one relay process.
type App struct {
	cfg *server.Config
	log zerolog.Logger

	state atomic.Int32

	pool    *pgxpool.Pool
	channel fanout.Channel
	hub     *server.Hub
	http    *http.Server
	ln      net.Listener

	steps    []shutdownStep
	stopOnce sync.Once
	stopErr  error
}

// New connects the configured backends and binds the listen address. Nothing
// is served until Run.
func New(ctx context.Context, cfg *server.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: logger}
	for _, opt := range opts {
		opt(a)
	}

	if a.channel == nil {
		if err := a.openFanout(ctx); err != nil {
			a.release()
			return nil, err
		}
	}

	a.hub = server.NewHub(
		server.WithFanout(a.channel),
		server.WithLogger(logger),
		server.WithQueueSize(cfg.Fanout.QueueSize),
		server.WithHeartbeat(cfg.Fanout.HeartbeatInterval, cfg.Fanout.HeartbeatTimeout),
		server.WithClientLimits(cfg.MaxMessageSize, cfg.RateLimit),
	)

	handlers := server.NewHandlers(a.hub, cfg, func() string { return a.State().String() }, logger)
	a.http = server.CreateServer(cfg.Addr(), server.SetupRoutes(handlers, cfg.AllowedOrigins))

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		a.release()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	a.ln = ln

	a.steps = []shutdownStep{
		{name: "messaging", run: a.stopMessaging},
		{name: "fanout", run: a.channel.Close},
	}
	if a.pool != nil {
		a.steps = append(a.steps, shutdownStep{name: "database", run: func() error {
			a.pool.Close()
			return nil
		}})
	}

	return a, nil
}

func (a *App) openFanout(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Fanout.Backend {
	case server.BackendPostgres:
		pool, err := database.Connect(ctx, database.Config{
			ConnString: cfg.Database.ConnString,
			SearchPath: cfg.Database.SearchPath,
			MinConns:   cfg.Database.MinConns,
			MaxConns:   cfg.Database.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool

		if err := database.EnsureSchema(ctx, pool, cfg.Database.SearchPath); err != nil {
			return err
		}

		ch, err := postgres.New(ctx, pool, postgres.Config{
			Channel:          cfg.Fanout.Channel,
			Table:            cfg.Fanout.Table,
			PayloadThreshold: cfg.Fanout.PayloadThreshold,
			CleanupInterval:  cfg.Fanout.CleanupInterval,
			Logger:           a.log,
		})
		if err != nil {
			return fmt.Errorf("open postgres fanout: %w", err)
		}
		a.channel = ch

	case server.BackendRedis:
		ch, err := redis.NewFromURL(ctx, cfg.Fanout.RedisURL, redis.Config{
			Channel: cfg.Fanout.Channel,
			Logger:  a.log,
		})
		if err != nil {
			return fmt.Errorf("open redis fanout: %w", err)
		}
		a.channel = ch

	case server.BackendMemory:
		a.channel = memory.NewBus().Channel()

	default:
		return fmt.Errorf("unknown fanout backend %q", cfg.Fanout.Backend)
	}

	a.log.Info().Str("backend", cfg.Fanout.Backend).Str("channel", cfg.Fanout.Channel).Msg("fan-out channel ready")
	return nil
}

// release closes whatever New opened before failing.
func (a *App) release() {
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// State returns the current lifecycle state.
func (a *App) State() State {
	return State(a.state.Load())
}

func (a *App) setState(s State) {
	a.state.Store(int32(s))
	a.log.Info().Str("state", s.String()).Msg("relay state changed")
}

// Addr is the bound listen address, useful when PORT is 0.
func (a *App) Addr() string {
	return a.ln.Addr().String()
}

// Hub exposes the relay hub.
func (a *App) Hub() *server.Hub {
	return a.hub
}

// Run serves until ctx is cancelled or the HTTP server fails, then shuts the
// process down.
func (a *App) Run(ctx context.Context) error {
	a.hub.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(a.http, a.ln, a.log)
	}()

	a.setState(StateListening)
	a.log.Info().Str("addr", a.Addr()).Str("node", a.hub.ID()).Msg("relay listening")

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("serve: %w", err)
			a.log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown drains and releases everything in order. Each step runs even if an
// earlier one fails; all failures are returned together. It is safe to call
// more than once.
func (a *App) Shutdown() error {
	a.stopOnce.Do(func() {
		a.setState(StateDraining)

		var errs []error
		for _, step := range a.steps {
			if err := step.run(); err != nil {
				a.log.Error().Err(err).Str("step", step.name).Msg("shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
				continue
			}
			a.log.Debug().Str("step", step.name).Msg("shutdown step completed")
		}

		a.setState(StateStopped)
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// stopMessaging refuses new events and connections, closes the listener and
// then every client connection, flushing queued fan-out records.
func (a *App) stopMessaging() error {
	a.hub.Drain()
	httpErr := server.ShutdownServer(a.http, a.cfg.ShutdownTimeout, a.log)
	// Serve may never have run; the listener is closed either way.
	_ = a.ln.Close()
	hubErr := a.hub.Shutdown(a.cfg.ShutdownTimeout)
	return errors.Join(httpErr, hubErr)
}
