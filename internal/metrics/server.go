// Package metrics serves the Prometheus scrape endpoint and the liveness
// probe. Component metric bundles register themselves via promauto at first
// use; this server only exposes the default registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthFunc reports readiness; a non-nil error renders 503.
type HealthFunc func(ctx context.Context) error

// Server exposes /metrics and /health.
type Server struct {
	port   int
	health HealthFunc
	server *http.Server
	log    zerolog.Logger
}

// NewServer creates a metrics server. health may be nil, in which case
// /health always reports OK.
func NewServer(port int, health HealthFunc, log zerolog.Logger) *Server {
	if health == nil {
		health = func(context.Context) error { return nil }
	}
	return &Server{
		port:   port,
		health: health,
		log:    log.With().Str("component", "metrics_server").Logger(),
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight scrapes up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	s.log.Info().Msg("Metrics server stopped")
	return nil
}
