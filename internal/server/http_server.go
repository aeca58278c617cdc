// Package server constructs and starts the relay HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Server owns every long-lived relay component.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *Registry
	hub      *Hub
	presence *PresenceBroadcaster
	router   *Router
	upgrader websocket.Upgrader
	meters   *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	startOnce      sync.Once
	stopOnce       sync.Once
	presenceCancel context.CancelFunc
	presenceDone   chan struct{}
}

// New wires a server from cfg. Nothing runs until Start or Serve.
func New(cfg Config, log *slog.Logger) *Server {
	cfg = cfg.Sanitize()

	registry := NewRegistry()
	hub := NewHub(nil, log)
	presence := NewPresenceBroadcaster(registry, hub, cfg.PresenceInterval, cfg.OfflineRetention, log)
	router := NewRouter(registry, hub, presence, log)
	hub.dispatcher = router

	meters, reader := newMeterProvider()
	metrics := newRelayMetrics(meters)
	router.metrics = metrics
	presence.metrics = metrics

	origins := newOriginPolicy(cfg.AllowedOrigins, log.With("component", "origin"))

	return &Server{
		cfg:      cfg,
		log:      log.With("component", "server"),
		registry: registry,
		hub:      hub,
		presence: presence,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		meters:       meters,
		reader:       reader,
		presenceDone: make(chan struct{}),
	}
}

// Registry exposes the identity registry for inspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start launches the hub loop and the presence timer. It is safe to call more
// than once; the timer is only ever created once.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.hub.Run()

		ctx, cancel := context.WithCancel(context.Background())
		s.presenceCancel = cancel
		go func() {
			defer close(s.presenceDone)
			s.presence.Run(ctx)
		}()
		s.log.Info("Hub started and ready to manage WebSocket connections")
	})
}

// Metrics returns the relay counters recorded so far, keyed as
// name{attribute=value}.
func (s *Server) Metrics(ctx context.Context) (map[string]int64, error) {
	return collectCounters(ctx, s.reader)
}

// Shutdown stops the presence timer, then closes every connection and waits
// for the pumps, up to timeout. The meter provider is released last.
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		s.Start()
		s.presenceCancel()
		<-s.presenceDone
		err = s.hub.Shutdown(timeout)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if merr := s.meters.Shutdown(ctx); merr != nil {
			s.log.Warn("Meter provider shutdown failed", "err", merr)
		}
	})
	return err
}

// Serve runs the HTTP listener until ctx is cancelled and then tears the
// relay down in order: presence timer, listener, connections.
func (s *Server) Serve(ctx context.Context) error {
	s.Start()
	httpServer := CreateServer(s.cfg.Port, s.Routes())

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Server listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = s.Shutdown(s.cfg.ShutdownTimeout)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", httpServer.Addr, err)
	case <-ctx.Done():
	}

	s.log.Info("Shutdown signal received")
	s.presenceCancel()
	<-s.presenceDone

	var errs []error
	if err := ShutdownServer(httpServer, s.cfg.ShutdownTimeout, s.log); err != nil {
		errs = append(errs, err)
	}
	if err := s.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, log *slog.Logger) error {
	log.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", "err", err)
		return err
	}

	log.Info("HTTP server shutdown completed")
	return nil
}
