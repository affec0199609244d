// internal/app/router.go
package app

import (
	operationsHandler "subsync-service/internal/handlers/operations"
	webhookHandler "subsync-service/internal/handlers/webhook"
	"subsync-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	WebhookHandler    *webhookHandler.WebhookHandler
	OperationsHandler *operationsHandler.OperationsHandler
	AuthMiddleware    *middleware.AuthMiddleware
	WebhookLimiter    gin.HandlerFunc
	Health            gin.HandlerFunc
}

func SetupRouter(r *gin.Engine, h *Handlers) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", h.Health)

	// ==================== Provider Webhooks ====================
	webhooks := api.Group("/webhooks")
	if h.WebhookLimiter != nil {
		webhooks.Use(h.WebhookLimiter)
	}
	{
		webhooks.POST("/payments", h.WebhookHandler.ReceivePayment)
	}

	// ==================== Operations ====================
	ops := api.Group("/ops")
	ops.Use(h.AuthMiddleware.OperatorOnly()...)
	{
		ops.POST("/reconcile", h.OperationsHandler.Reconcile)
		ops.POST("/cleanup", h.OperationsHandler.Cleanup)
		ops.GET("/sync-logs", h.OperationsHandler.ListSyncLogs)
	}
}
