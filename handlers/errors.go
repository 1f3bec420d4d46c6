package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/internal/gateway"
	"marketplace/internal/orders"
	"marketplace/pkg/logkey"
)

func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, orders.ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, orders.ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, orders.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, gateway.ErrRejected):
		return "gateway_rejected"
	case errors.Is(err, gateway.ErrUnreachable):
		return "gateway_unreachable"
	case errors.Is(err, orders.ErrUnauthorizedWebhook):
		return "unauthorized_webhook"
	case errors.Is(err, orders.ErrMalformedWebhook):
		return "malformed_webhook"
	case errors.Is(err, orders.ErrUnknownAttempt):
		return "unknown_attempt"
	case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, orders.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orders.ErrInvalidSelection),
		errors.Is(err, orders.ErrInvalidAddress),
		errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrUnauthorizedWebhook),
		errors.Is(err, orders.ErrMalformedWebhook):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, orders.ErrUnknownAttempt),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal failures and gateway detail from clients.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, gateway.ErrRejected):
		return "Payment Gateway rejected the request."
	case errors.Is(err, gateway.ErrUnreachable):
		return "Payment Service is currently unreachable."
	}
	if httpStatus(err) == http.StatusInternalServerError {
		return http.StatusText(http.StatusInternalServerError)
	}
	return err.Error()
}

func abortWithError(c *gin.Context, traceId string, err error) {
	status := httpStatus(err)
	attrs := []any{slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()), slog.Int("status", status)}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", attrs...)
	} else {
		slog.Warn("request rejected", attrs...)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": publicMessage(err), "kind": errKind(err)})
}
