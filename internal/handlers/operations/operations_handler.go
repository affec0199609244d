// internal/handlers/operations/operations_handler.go
package operations

import (
	"context"
	"net/http"

	"subsync-service/internal/domain/idempotency"
	"subsync-service/internal/domain/synclog"
	"subsync-service/internal/middleware"
	"subsync-service/internal/pkg/response"
	"subsync-service/internal/service/reconciliation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Sweeper interface {
	ReconcilePending(ctx context.Context) (reconciliation.SweepStats, error)
}

type Cleaner interface {
	CleanupExpired(ctx context.Context) (idempotency.CleanupStats, error)
}

type SyncLogLister interface {
	List(ctx context.Context, filters synclog.ListFilters) ([]*synclog.Event, error)
}

type OperationsHandler struct {
	sweeper Sweeper
	cleaner Cleaner
	logs    SyncLogLister
	logger  *zap.Logger
}

func NewOperationsHandler(sweeper Sweeper, cleaner Cleaner, logs SyncLogLister, logger *zap.Logger) *OperationsHandler {
	return &OperationsHandler{
		sweeper: sweeper,
		cleaner: cleaner,
		logs:    logs,
		logger:  logger,
	}
}

// Reconcile runs the pending-subscription sweep immediately.
func (h *OperationsHandler) Reconcile(c *gin.Context) {
	stats, err := h.sweeper.ReconcilePending(c.Request.Context())
	if err != nil {
		h.logger.Error("manual reconcile failed",
			zap.String("operator", middleware.GetSubject(c)),
			zap.Error(err),
		)
		response.Error(c, http.StatusInternalServerError, "reconcile sweep failed", err, stats)
		return
	}

	h.logger.Info("manual reconcile finished", zap.String("operator", middleware.GetSubject(c)))
	response.Success(c, http.StatusOK, "reconcile sweep finished", stats)
}

// Cleanup removes expired locks and cached results.
func (h *OperationsHandler) Cleanup(c *gin.Context) {
	stats, err := h.cleaner.CleanupExpired(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "cleanup failed", err)
		return
	}
	response.Success(c, http.StatusOK, "expired idempotency records removed", stats)
}

// ListSyncLogs returns recent audit events, newest first.
func (h *OperationsHandler) ListSyncLogs(c *gin.Context) {
	var filters synclog.ListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.ValidationError(c, "invalid query parameters", err)
		return
	}

	events, err := h.logs.List(c.Request.Context(), filters)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list sync logs", err)
		return
	}
	response.Success(c, http.StatusOK, "sync logs retrieved", events)
}
