package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/pkg/ctxmanage"
	"marketplace/pkg/logkey"
)

const maxWebhookBody = 65536

// Webhook receives gateway notifications. Any 2xx tells the gateway to stop retrying,
// so failures that a retry could fix must surface as 5xx.
func (h *Handler) Webhook(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		slog.Error("reading webhook body", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": http.StatusText(http.StatusRequestEntityTooLarge)})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": http.StatusText(http.StatusBadRequest)})
		return
	}

	outcome, err := h.webhooks.Reconcile(c.Request.Context(), payload, c.GetHeader(h.webhooks.SignatureHeader()))
	if err != nil {
		abortWithError(c, traceId, err)
		return
	}

	slog.Info("webhook processed", slog.String(logkey.TraceID, traceId), slog.String("outcome", string(outcome)))
	c.JSON(http.StatusOK, gin.H{"status": "success", "outcome": outcome})
}
