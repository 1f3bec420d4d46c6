package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketplace/internal/orders"
	"marketplace/pkg/ctxmanage"
	"marketplace/pkg/logkey"
)

func parseID(c *gin.Context, param, traceId string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		slog.Error("invalid path parameter", slog.String(logkey.TraceID, traceId), slog.String("param", param), slog.String("value", c.Param(param)))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return 0, false
	}
	return id, true
}

func (h *Handler) GetOrder(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	userID, ok := userIDFromRequest(c, traceId)
	if !ok {
		return
	}
	orderID, ok := parseID(c, "id", traceId)
	if !ok {
		return
	}

	o, err := h.reader.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		abortWithError(c, traceId, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) MyOrders(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	userID, ok := userIDFromRequest(c, traceId)
	if !ok {
		return
	}

	list, err := h.reader.ListOrders(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, traceId, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}
