// Package daemon wires the login gate to its provider, its session store and
// the two bridge transports, and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ryuuseigun/ryuu-gate/internal/bridge"
	"github.com/ryuuseigun/ryuu-gate/internal/config"
	"github.com/ryuuseigun/ryuu-gate/internal/discord"
	"github.com/ryuuseigun/ryuu-gate/internal/gate"
	"github.com/ryuuseigun/ryuu-gate/internal/httpserver"
	"github.com/ryuuseigun/ryuu-gate/internal/ipc"
	"github.com/ryuuseigun/ryuu-gate/internal/metrics"
	"github.com/ryuuseigun/ryuu-gate/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Options overrides collaborators the daemon would otherwise build itself.
type Options struct {
	// HTTPClient is used for provider calls. Nil uses discord's default.
	HTTPClient *http.Client

	// Launcher opens the authorization page. Nil uses the system browser.
	Launcher gate.Launcher

	// Version is reported by /health.
	Version string
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg        *config.Config
	store      session.Store
	gate       *gate.Gate
	bridge     *bridge.Bridge
	registry   *prometheus.Registry
	httpServer *httpserver.Server
	ipcServer  *ipc.Server
}

// New builds the daemon. The session store is opened here so the gate
// starts in Allowed when a marker exists.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := session.Open(ctx, &cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	slog.Info("session store opened",
		"backend", cfg.Session.Backend,
		"path", cfg.Session.Path,
	)

	launcher := opts.Launcher
	if launcher == nil {
		launcher = gate.SystemBrowser{}
	}

	g, err := gate.New(ctx, gate.Options{
		Provider:        discord.NewClient(&cfg.Discord, opts.HTTPClient),
		Store:           store,
		Launcher:        launcher,
		GuildID:         cfg.Discord.RequiredGuildID,
		InviteURL:       cfg.Discord.InviteURL,
		ExchangeTimeout: time.Duration(cfg.Auth.ExchangeTimeout) * time.Second,
		VerifyTimeout:   time.Duration(cfg.Auth.VerifyTimeout) * time.Second,
		Metrics:         metrics.New(registry),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize gate: %w", err)
	}

	slog.Info("gate initialized",
		"client_id", cfg.Discord.ClientID,
		"guild_id", cfg.Discord.RequiredGuildID,
		"state", g.Status().State.String(),
	)

	b, err := bridge.New(g, bridge.NewHub(bridge.DefaultBuffer), cfg.Discord.RedirectURI)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize bridge: %w", err)
	}

	httpServer, err := httpserver.NewServer(cfg, b, registry, opts.Version)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
		"callback", cfg.Discord.CallbackPath(),
	)

	ipcServer := ipc.NewServer(cfg.Listen.Socket, b.Handle, b.Hub())

	slog.Info("IPC server initialized",
		"socket", cfg.Listen.Socket,
	)

	return &Daemon{
		cfg:        cfg,
		store:      store,
		gate:       g,
		bridge:     b,
		registry:   registry,
		httpServer: httpServer,
		ipcServer:  ipcServer,
	}, nil
}

// Gate returns the daemon's gate.
func (d *Daemon) Gate() *gate.Gate {
	return d.gate
}

// Run starts the bridge transports and blocks until ctx is cancelled or a
// server fails. The session store is closed on return.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting ryuu-gate daemon")
	defer func() {
		if err := d.store.Close(); err != nil {
			slog.Error("error closing session store", "error", err)
		}
	}()

	// Start both listeners synchronously to catch startup errors
	if err := d.ipcServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	l, err := d.httpServer.Listen()
	if err != nil {
		if stopErr := d.ipcServer.Stop(); stopErr != nil {
			slog.Error("error stopping IPC server after HTTP listen failure", "error", stopErr)
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := d.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "cause", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := d.ipcServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop IPC server: %w", err))
		}
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP server: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := group.Wait(); err != nil {
		return err
	}

	slog.Info("daemon shutdown complete")
	return nil
}
