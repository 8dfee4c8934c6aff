package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryuuseigun/ryuu-gate/internal/bridge"
	"github.com/ryuuseigun/ryuu-gate/internal/config"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Server is the loopback HTTP server. It receives the provider redirect on
// the callback route, starts logins for browser-only flows and carries the
// websocket side of the UI bridge.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	router     chi.Router
	templates  *template.Template
	bridge     *bridge.Bridge
	limiter    *IPRateLimiter
	upgrader   websocket.Upgrader
	version    string

	closing   chan struct{}
	closeOnce sync.Once
	sockets   sync.WaitGroup
}

// NewServer creates a new HTTP server. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(cfg *config.Config, b *bridge.Bridge, gatherer prometheus.Gatherer, version string) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	// Parse templates
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		templates: templates,
		bridge:    b,
		limiter:   newIPRateLimiter(10, 50),
		version:   version,
		closing:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      checkOrigin,
	}

	// Middleware, outermost first
	s.router.Use(securityHeadersMiddleware)
	s.router.Use(s.limiter.middleware)
	s.router.Use(recoveryMiddleware)
	s.router.Use(loggingMiddleware)

	// Register routes
	if path := cfg.Discord.CallbackPath(); path != "" {
		s.router.Get(path, s.handleCallback)
	}
	s.router.Get("/login", s.handleLogin)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/events", s.handleEvents)
	if gatherer != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	l, err := net.Listen("tcp", s.cfg.Listen.HTTP)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen.HTTP, err)
	}
	return l, nil
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("starting HTTP server",
		"addr", l.Addr().String(),
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ServeTLS(l, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	return s.httpServer.Serve(l)
}

// Start binds the configured address and serves on it.
func (s *Server) Start() error {
	l, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown gracefully shuts down the HTTP server. Open websockets are sent
// a close frame; Shutdown waits for them until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")

	s.closeOnce.Do(func() {
		close(s.closing)
		s.limiter.Stop()
	})

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("websockets still open: %w", ctx.Err()))
	}

	return err
}
