package main

import (
	"database/sql"
	"time"

	"callgate/internal/httpapi"
	"callgate/internal/webhooks"
	"callgate/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, db *sql.DB, api httpapi.Handlers, push webhooks.PushHandler, tel webhooks.TelephonyHandler) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks (public).
	// NOTE: These should sit behind provider signature validation or an
	// allowlist at the edge in production.
	r.POST("/webhooks/provider/status", push.HandleStatus)
	telephony := r.Group("/webhooks/telephony")
	{
		telephony.POST("/answer", tel.HandleAnswer)
		telephony.POST("/hangup", tel.HandleHangup)
		telephony.POST("/recording", tel.HandleRecording)
	}

	// Internal capacity/queue API. Expected to be reachable only from
	// trusted services; there is no end-user surface here.
	v1 := r.Group("/v1")
	{
		calls := v1.Group("/calls")
		{
			calls.POST("/reserve", api.StartCall)
			calls.POST("/:id/release", api.ReleaseSlot)
		}

		queue := v1.Group("/queue")
		{
			queue.POST("", api.EnqueueCall)
			queue.GET("/:id/position", api.QueuePosition)
			queue.DELETE("/:id", api.CancelQueued)
		}
	}
}
