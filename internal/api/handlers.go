package api

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cryptohelm/cryptohelm/internal/orchestrator"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "cryptohelm",
		"status":  string(s.control.Mode()),
		"time":    time.Now().UTC(),
	})
}

// handleStatus returns the operational summary plus process stats.
func (s *Server) handleStatus(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	mode := s.control.Mode()
	status := gin.H{
		"mode":      string(mode),
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Seconds(),
		"system": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"alloc_mb":   memStats.Alloc / 1024 / 1024,
			"go_version": runtime.Version(),
		},
	}
	if until := s.control.SafeModeUntil(); !until.IsZero() {
		status["safe_mode_until"] = until.UTC()
	}
	c.JSON(http.StatusOK, status)
}

// handleHealth returns the full component health report. A failed component
// renders 503 so load balancers can rotate the instance out.
func (s *Server) handleHealth(c *gin.Context) {
	report := s.control.Health(c.Request.Context())

	code := http.StatusOK
	for _, comp := range report.Components {
		if comp.Status == orchestrator.HealthFailed {
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, report)
}

func (s *Server) handleListPositions(c *gin.Context) {
	snaps := s.positions.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(snaps),
		"positions": snaps,
	})
}

// handleAuditRange pages through the audit chain. Callers verify linkage
// client-side; the server returns records verbatim.
func (s *Server) handleAuditRange(c *gin.Context) {
	fromSeq, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from sequence"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in 1..1000"})
		return
	}

	records, err := s.auditLog.AuditRange(c.Request.Context(), fromSeq, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}

type safeModeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// handleSafeMode puts the orchestrator into SAFE_MODE on operator request.
func (s *Server) handleSafeMode(c *gin.Context) {
	var req safeModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	s.control.TriggerSafeMode(c.Request.Context(), req.Reason)
	c.JSON(http.StatusAccepted, gin.H{
		"mode":            string(s.control.Mode()),
		"safe_mode_until": s.control.SafeModeUntil().UTC(),
	})
}

// handleReload forces a config reload. Validation failures keep the running
// snapshot and surface as a 422.
func (s *Server) handleReload(c *gin.Context) {
	if err := s.control.ReloadConfig(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
