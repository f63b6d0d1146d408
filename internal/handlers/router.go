package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter builds the query API. gatherer may be nil to leave out /metrics.
func NewRouter(h *MonitorHandler, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.Log), CORS())

	r.GET("/healthz", h.Healthz)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.GET("/staff-list", h.GetStaffList)
		api.GET("/staff-history/:id", h.GetStaffHistory)
		api.GET("/staff-videos/:id", h.GetStaffVideos)
		api.GET("/stats", h.GetDashboardStats)
	}

	r.GET("/screenshots/:id/:file", h.ServeScreenshot)
	r.GET("/videos/:id/:file", h.ServeVideo)
	return r
}

// CORS lets the dashboard be served from anywhere.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("http request")
	}
}
