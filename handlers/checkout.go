package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"marketplace/internal/auth"
	"marketplace/internal/orders"
	"marketplace/pkg/ctxmanage"
	"marketplace/pkg/logkey"
)

type checkoutRequest struct {
	AddressID   int64   `json:"address_id" binding:"required,min=1"`
	CartItemIDs []int64 `json:"cart_item_ids" binding:"required,min=1,dive,min=1"`
}

// userIDFromRequest reads the authenticated caller's id, aborting with 401 when it is absent.
func userIDFromRequest(c *gin.Context, traceId string) (int64, bool) {
	claims, ok := c.Request.Context().Value(auth.ClaimsKey).(auth.Claims)
	if !ok {
		slog.Error("claims missing from context", slog.String(logkey.TraceID, traceId))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
		return 0, false
	}
	id, err := claims.UserID()
	if err != nil {
		slog.Error("invalid subject in token", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": http.StatusText(http.StatusUnauthorized)})
		return 0, false
	}
	return id, true
}

func (h *Handler) Checkout(c *gin.Context) {
	traceId := ctxmanage.GetTraceIdOfRequest(c)

	userID, ok := userIDFromRequest(c, traceId)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Error("validation failed", slog.String(logkey.TraceID, traceId), slog.String(logkey.ERROR, err.Error()))
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			vErr := vErrs[0]
			switch vErr.Tag() {
			case "required":
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": vErr.Field() + " value missing"})
			case "min":
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": vErr.Field() + " value is less than " + vErr.Param()})
			default:
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": http.StatusText(http.StatusBadRequest)})
			}
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": http.StatusText(http.StatusBadRequest)})
		return
	}

	res, err := h.checkout.InitiateCheckout(c.Request.Context(), orders.CheckoutRequest{
		UserID:      userID,
		AddressID:   req.AddressID,
		CartLineIDs: req.CartItemIDs,
	})
	if err != nil {
		abortWithError(c, traceId, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
