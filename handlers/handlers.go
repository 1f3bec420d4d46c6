package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/internal/auth"
	"marketplace/internal/metrics"
	"marketplace/internal/orders"
	"marketplace/middleware"
)

type CheckoutService interface {
	InitiateCheckout(ctx context.Context, req orders.CheckoutRequest) (orders.CheckoutResult, error)
}

type WebhookService interface {
	Reconcile(ctx context.Context, payload []byte, signature string) (orders.Outcome, error)
	SignatureHeader() string
}

// Reader is the read side of the order store.
type Reader interface {
	GetOrder(ctx context.Context, userID, orderID int64) (orders.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]orders.Order, error)
	ListCartLines(ctx context.Context, userID int64) ([]orders.CartLine, error)
	ProductStock(ctx context.Context, productID int64) (int, error)
}

type Handler struct {
	checkout CheckoutService
	webhooks WebhookService
	reader   Reader
}

func NewHandler(checkout CheckoutService, webhooks WebhookService, reader Reader) (*Handler, error) {
	if checkout == nil || webhooks == nil || reader == nil {
		return nil, errors.New("handler dependencies must not be nil")
	}
	return &Handler{checkout: checkout, webhooks: webhooks, reader: reader}, nil
}

type Config struct {
	EndpointPrefix string
	GinMode        string
	Keys           *auth.Keys
	Metrics        *metrics.Metrics
}

func API(cfg Config, h *Handler) (*gin.Engine, error) {
	if cfg.GinMode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.GinMode == gin.TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	m, err := middleware.NewMid(cfg.Keys)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(middleware.Logger(), middleware.Metrics(cfg.Metrics), gin.Recovery())

	r.GET("/ping", HealthCheck)
	r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	v1 := r.Group(cfg.EndpointPrefix)
	{
		v1.POST("/webhook/payment", h.Webhook)
		v1.GET("/products/stock/:productID", h.ProductStock)

		v1.Use(m.Authentication())
		v1.POST("/checkout", m.Authorize(h.Checkout, auth.RoleBuyer, auth.RoleSeller))
		v1.GET("/orders/:id", h.GetOrder)
		v1.GET("/my-orders", h.MyOrders)
		v1.GET("/cart/items", h.CartItems)
	}
	return r, nil
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}
