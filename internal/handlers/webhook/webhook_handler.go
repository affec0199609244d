// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"subsync-service/internal/pkg/response"
	service "subsync-service/internal/service/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type NotificationHandler interface {
	HandleNotification(ctx context.Context, body []byte) (*service.Outcome, error)
}

type WebhookHandler struct {
	service NotificationHandler
	logger  *zap.Logger
}

func NewWebhookHandler(svc NotificationHandler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: svc,
		logger:  logger,
	}
}

// ReceivePayment takes a provider payment notification. The provider always gets
// a 200; the outcome is reported in the envelope.
func (h *WebhookHandler) ReceivePayment(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook body too large", zap.Int64("limit", tooLarge.Limit))
		} else {
			h.logger.Warn("failed to read webhook body", zap.Error(err))
		}
		response.Acknowledge(c, "notification rejected", nil, err)
		return
	}

	out, err := h.service.HandleNotification(c.Request.Context(), body)
	switch {
	case err != nil:
		response.Acknowledge(c, "notification not reconciled", out, err)
	case out.Ignored:
		response.Acknowledge(c, "notification ignored", out, nil)
	default:
		response.Acknowledge(c, "notification processed", out, nil)
	}
}
