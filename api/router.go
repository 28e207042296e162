package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/use-agent/screener/api/handler"
	"github.com/use-agent/screener/api/middleware"
	"github.com/use-agent/screener/config"
	"github.com/use-agent/screener/models"
)

// NewRouter creates the read-only status API of a run.
//
// Routes:
//
//	GET /api/v1/health    liveness and run state
//	GET /api/v1/progress  pagination progress of the run
//	GET /metrics          Prometheus exposition
//
// Progress and metrics require one of cfg.APIKeys when any are configured.
// sessions may be nil when no browser is attached.
func NewRouter(cfg config.ServerConfig, progress handler.ProgressSource, sessions handler.SessionCounter, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/api/v1/health", handler.Health(progress, sessions, startTime))

	guarded := r.Group("/", middleware.Auth(cfg.APIKeys))
	guarded.GET("/api/v1/progress", handler.Progress(progress))
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: models.ErrorDetail{Code: "NOT_FOUND", Message: "no such endpoint: " + c.Request.URL.Path},
		})
	})
	return r
}
