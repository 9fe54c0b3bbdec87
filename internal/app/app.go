package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/bus"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/store"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-sync/internal/transport/http"
)

// Server wires persistence, the event bus and the HTTP transport.
type Server struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	bus             *bus.Bus
	store           store.Store
	log             *zerolog.Logger
}

// NewServer constructs the server side with the provided configuration.
func NewServer(cfg config.Config, logger *zerolog.Logger) (*Server, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := sqlite.New(cfg.Server.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.Server.DatabasePath).Msg("database initialized")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	b := bus.New(logger, bus.WithQueueSize(cfg.Server.BusQueueSize), bus.WithMetrics(m))
	server := transporthttp.NewServer(bus.NewPublishingStore(st, b), b, m, cfg.Server, logger)

	return &Server{
		server:          server,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		bus:             b,
		store:           st,
		log:             logger,
	}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() stdhttp.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		s.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		s.log.Info().Msg("shutting down http server")
		err := s.server.Shutdown(shutdownCtx)
		s.bus.Close()
		if err != nil {
			s.cleanup()
			return err
		}

		s.cleanup()
		return <-serverErr
	}
}

// Close releases resources without serving.
func (s *Server) Close() {
	s.bus.Close()
	s.cleanup()
}

// cleanup closes the database.
func (s *Server) cleanup() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close store")
		} else {
			s.log.Info().Msg("store closed")
		}
	}
}
