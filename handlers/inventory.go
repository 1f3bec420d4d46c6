package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/pkg/ctxmanage"
)

// ProductStock reports the current stock. The number is advisory; it can change before checkout.
func (h *Handler) ProductStock(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	productID, ok := parseID(c, "productID", traceId)
	if !ok {
		return
	}

	stock, err := h.reader.ProductStock(c.Request.Context(), productID)
	if err != nil {
		abortWithError(c, traceId, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "stock": stock})
}
