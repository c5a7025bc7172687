// Package api serves the operator control surface: status, health,
// positions, the audit trail, SAFE_MODE triggering and config reload. It is
// read-mostly; the two mutating endpoints act through the orchestrator so
// every state transition stays on its control path.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/internal/audit"
	"github.com/cryptohelm/cryptohelm/internal/orchestrator"
	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// Control is the slice of the orchestrator the API drives.
type Control interface {
	Mode() orchestrator.Mode
	Health(ctx context.Context) orchestrator.HealthReport
	TriggerSafeMode(ctx context.Context, reason string)
	SafeModeUntil() time.Time
	ReloadConfig() error
}

// PositionLister exposes the open position snapshot.
type PositionLister interface {
	Snapshot() []models.Position
}

// AuditReader pages through the tamper-evident audit log.
type AuditReader interface {
	AuditRange(ctx context.Context, fromSeq int64, limit int) ([]audit.Record, error)
}

// Config wires the server to its collaborators.
type Config struct {
	Host      string
	Port      int
	Control   Control
	Positions PositionLister
	Audit     AuditReader
	Log       zerolog.Logger
}

// Server is the REST control API.
type Server struct {
	router    *gin.Engine
	control   Control
	positions PositionLister
	auditLog  AuditReader
	addr      string
	server    *http.Server
	log       zerolog.Logger
	started   time.Time
}

// NewServer builds the API server and its routes.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := cfg.Log.With().Str("component", "api").Logger()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		control:   cfg.Control,
		positions: cfg.Positions,
		auditLog:  cfg.Audit,
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:       log,
		started:   time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting control API")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop drains in-flight requests up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("Stopping control API")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// loggerMiddleware logs every request through the injected logger.
func loggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		ev := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			ev.Str("errors", c.Errors.String())
		}
		ev.Msg("API request")
	}
}
