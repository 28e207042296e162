package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/screener/engine"
	"github.com/use-agent/screener/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// ProgressSource reports the state of the current or last run.
type ProgressSource interface {
	Progress() engine.Progress
}

// SessionCounter reports open data-source sessions.
type SessionCounter interface {
	ActiveSessions() int
}

// Health returns a handler for GET /api/v1/health.
//
// Status is "failed" once the run has stopped on a fatal error, so probes can
// tell a finished run from a broken one. sessions may be nil.
func Health(progress ProgressSource, sessions SessionCounter, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := progress.Progress()

		status := "healthy"
		if p.State == engine.StateFailed {
			status = "failed"
		}

		var stats models.SessionStats
		if sessions != nil {
			stats.ActiveSessions = sessions.ActiveSessions()
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:       status,
			Uptime:       time.Since(startTime).Round(time.Second).String(),
			RunState:     string(p.State),
			SessionStats: stats,
			Version:      Version,
		})
	}
}
