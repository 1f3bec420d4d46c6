package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/internal/orders"
	"marketplace/pkg/ctxmanage"
)

func (h *Handler) CartItems(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	userID, ok := userIDFromRequest(c, traceId)
	if !ok {
		return
	}

	lines, err := h.reader.ListCartLines(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, traceId, err)
		return
	}
	if lines == nil {
		lines = []orders.CartLine{}
	}
	c.JSON(http.StatusOK, gin.H{"items": lines})
}
