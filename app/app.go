package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    SessionStore
	Sessions *SessionManager
	Broker   *Broker
	Guard    *FreshnessGuard
	Proxy    *Proxy
	Cookies  *CookiePolicy

	stop chan struct{}
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	stop := make(chan struct{})

	var store SessionStore
	switch cfg.Sessions.Backend {
	case BackendRedis:
		rs, err := NewRedisStore(ctx, cfg.Sessions.Redis, cfg.Sessions.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
		store = rs
		logger.Info("Using redis session backend", "addr", cfg.Sessions.Redis.Addr)
	default:
		ms := NewInMemoryStore(cfg.Sessions.IdleTimeout)
		ms.StartSweeper(sweepInterval(cfg.Sessions.IdleTimeout), stop)
		store = ms
		logger.Info("Using in-memory session backend", "idle_timeout", cfg.Sessions.IdleTimeout.String())
	}

	idpClient := &http.Client{Timeout: cfg.OAuth.Timeout}
	endpoints, err := DiscoverEndpoints(ctx, cfg.OAuth, cfg.Server.DevMode, idpClient, logger)
	if err != nil {
		if c, ok := store.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("resolve identity provider endpoints: %w", err)
	}

	sessions := NewSessionManager(cfg, store, logger)
	broker := NewBroker(cfg.OAuth, endpoints, idpClient, logger)
	guard := NewFreshnessGuard(broker, cfg.OAuth.RefreshLookahead, cfg.OAuth.Timeout, logger)
	proxy := NewProxy(cfg.Upstream, guard, []string{AccessTokenCookie, sessions.CookieName()}, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Broker:   broker,
		Guard:    guard,
		Proxy:    proxy,
		Cookies:  NewCookiePolicy(cfg.Cookies),
		stop:     stop,
	}, nil
}

// Close stops background work and releases the session backend.
func (a *App) Close() error {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	if c, ok := a.Store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func sweepInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	if idle < time.Minute {
		return idle
	}
	return time.Minute
}
