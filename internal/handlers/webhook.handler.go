package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/services"
	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
)

type StatusCallbackService interface {
	HandleStatusCallback(ctx context.Context, cb model.StatusCallback) (bool, error)
}

// WebhookHandler receives provider delivery notifications.
type WebhookHandler struct {
	svc StatusCallbackService
}

func RegisterWebhookRoutes(g *router.Group, h *WebhookHandler) {
	g.POST("/webhooks/twilio/status", h.TwilioStatus)
}

func NewWebhookHandler(svc StatusCallbackService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// TwilioStatus takes the form encoded status callback. Anything the service
// chooses to ignore is still acknowledged so the provider stops retrying.
func (h *WebhookHandler) TwilioStatus(ctx *xhttp.RequestCtx) {
	args := ctx.PostArgs()
	cb := model.StatusCallback{
		ProviderMessageID: string(args.Peek("MessageSid")),
		Status:            string(args.Peek("MessageStatus")),
		ErrorCode:         string(args.Peek("ErrorCode")),
		ErrorMessage:      string(args.Peek("ErrorMessage")),
	}
	if cb.Status == "" {
		cb.Status = string(args.Peek("SmsStatus"))
	}

	applied, err := h.svc.HandleStatusCallback(ctx, cb)
	if err != nil {
		if errors.Is(err, services.ErrMissingMessageID) {
			writeError(ctx, fasthttp.StatusBadRequest, "MessageSid is required")
			return
		}
		logger.Error("failed to apply status callback", "message_sid", cb.ProviderMessageID, "error", err)
		writeError(ctx, fasthttp.StatusInternalServerError, "Failed to update message status", err.Error())
		return
	}

	prom.IncStatusCallback(cb.Status, applied)
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"success": true, "updated": applied})
}
