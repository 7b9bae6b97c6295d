package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
)

// RouterConfig aggregates the monitor endpoints. Nil members leave their
// routes unregistered.
type RouterConfig struct {
	Health   *HealthHandler
	Progress *ProgressTracker
	// Metrics is usually the prometheus collector's handler.
	Metrics http.Handler
	Logger  logging.Logger
}

// NewRouter builds the monitor route tree.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogging(cfg.Logger, DefaultLoggingConfig()))

	if cfg.Health != nil {
		r.GET("/healthz", cfg.Health.Liveness)
		r.GET("/readyz", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	if cfg.Progress != nil {
		r.GET("/progress", func(c *gin.Context) {
			c.JSON(http.StatusOK, cfg.Progress.Snapshot())
		})
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
