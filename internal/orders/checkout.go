package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace/internal/gateway"
	"marketplace/internal/metrics"
	"marketplace/pkg/ctxmanage"
	"marketplace/pkg/logkey"
)

const DefaultGatewayTimeout = 15 * time.Second

type Coordinator struct {
	store    Store
	gw       gateway.Client
	currency string
	timeout  time.Duration
	metrics  *metrics.Metrics
}

func NewCoordinator(store Store, gw gateway.Client, currency string, timeout time.Duration, m *metrics.Metrics) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	if currency == "" {
		currency = "usd"
	}
	return &Coordinator{store: store, gw: gw, currency: currency, timeout: timeout, metrics: m}
}

// InitiateCheckout turns the selected cart lines into an order and asks the gateway for a
// payment intent. The order, its items, the cart removal and the payment attempt commit together
// or not at all. Stock is only checked here, never taken.
func (c *Coordinator) InitiateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	traceId := ctxmanage.GetTraceId(ctx)

	ids := uniqueIDs(req.CartLineIDs)
	if len(ids) == 0 {
		c.metrics.CheckoutOutcome("invalid_selection")
		return CheckoutResult{}, ErrInvalidSelection
	}

	var res CheckoutResult
	err := c.store.WithTx(ctx, func(tx Tx) error {
		lines, err := tx.LockCartLines(ctx, req.UserID, ids)
		if err != nil {
			return fmt.Errorf("loading cart lines: %w", err)
		}
		if len(lines) == 0 {
			return ErrInvalidSelection
		}

		owned, err := tx.AddressOwned(ctx, req.UserID, req.AddressID)
		if err != nil {
			return fmt.Errorf("checking address: %w", err)
		}
		if !owned {
			return ErrInvalidAddress
		}

		if err := checkStock(ctx, tx, lines); err != nil {
			return err
		}

		order := Order{
			UserID:        req.UserID,
			AddressID:     &req.AddressID,
			OrderStatus:   OrderInitiated,
			PaymentStatus: PaymentInitiated,
		}
		lineIDs := make([]int64, 0, len(lines))
		for _, ln := range lines {
			order.TotalAmount += ln.UnitPrice * int64(ln.Quantity)
			order.Items = append(order.Items, OrderItem{
				ProductID:   ln.ProductID,
				ProductName: ln.ProductName,
				Quantity:    ln.Quantity,
				UnitPrice:   ln.UnitPrice,
			})
			lineIDs = append(lineIDs, ln.ID)
		}

		if err := tx.InsertOrder(ctx, &order); err != nil {
			return fmt.Errorf("inserting order: %w", err)
		}
		if err := tx.DeleteCartLines(ctx, lineIDs); err != nil {
			return fmt.Errorf("removing cart lines: %w", err)
		}

		attempt := PaymentAttempt{
			OrderID:            order.ID,
			ExternalOrderID:    fmt.Sprintf("SP-ORD-%d-%s", order.ID, uuid.NewString()[:4]),
			ExternalCustomerID: fmt.Sprintf("CUST-%d", req.UserID),
			IdempotencyKey:     uuid.NewString(),
			Amount:             order.TotalAmount,
			Currency:           c.currency,
		}

		intent, err := c.createIntent(ctx, attempt)
		if err != nil {
			slog.Error("payment gateway call failed", slog.String(logkey.TraceID, traceId),
				slog.Int64(logkey.OrderID, order.ID), slog.String(logkey.ExternalOrderID, attempt.ExternalOrderID),
				slog.String(logkey.ERROR, err.Error()))
			return err
		}

		attempt.Status = PaymentProcessing
		attempt.ProviderRef = intent.ProviderRef
		attempt.GatewayResponse = intent.Raw
		if err := tx.InsertAttempt(ctx, &attempt); err != nil {
			return fmt.Errorf("inserting payment attempt: %w", err)
		}

		res = CheckoutResult{
			OrderID:         order.ID,
			ClientSecret:    intent.ClientSecret,
			ExternalOrderID: attempt.ExternalOrderID,
		}
		return nil
	})
	if err != nil {
		c.metrics.CheckoutOutcome(checkoutOutcome(err))
		return CheckoutResult{}, err
	}

	c.metrics.CheckoutOutcome("ok")
	slog.Info("checkout initiated", slog.String(logkey.TraceID, traceId),
		slog.Int64(logkey.OrderID, res.OrderID), slog.String(logkey.ExternalOrderID, res.ExternalOrderID))
	return res, nil
}

func (c *Coordinator) createIntent(ctx context.Context, a PaymentAttempt) (gateway.Intent, error) {
	gctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	intent, err := c.gw.CreateIntent(gctx, gateway.IntentRequest{
		OrderID:            a.OrderID,
		ExternalOrderID:    a.ExternalOrderID,
		ExternalCustomerID: a.ExternalCustomerID,
		Amount:             a.Amount,
		Currency:           a.Currency,
		IdempotencyKey:     a.IdempotencyKey,
	})
	err = gateway.Classify(err)

	result := "ok"
	switch {
	case errors.Is(err, gateway.ErrRejected):
		result = "rejected"
	case err != nil:
		result = "unreachable"
	}
	c.metrics.ObserveGateway(result, time.Since(start))
	return intent, err
}

// checkStock is advisory: it reads without locking, so a concurrent confirmation can still
// consume the stock before this order is paid.
func checkStock(ctx context.Context, tx Tx, lines []CartLine) error {
	productIDs := make([]int64, 0, len(lines))
	for _, ln := range lines {
		if ln.ProductID != nil {
			productIDs = append(productIDs, *ln.ProductID)
		}
	}

	stock, err := tx.StockLevels(ctx, uniqueIDs(productIDs))
	if err != nil {
		return fmt.Errorf("reading stock: %w", err)
	}

	for _, ln := range lines {
		available := 0
		if ln.ProductID != nil {
			available = stock[*ln.ProductID]
		}
		if available < ln.Quantity {
			return &StockError{
				CartLineID:  ln.ID,
				ProductID:   ln.ProductID,
				ProductName: ln.ProductName,
				Requested:   ln.Quantity,
				Available:   available,
			}
		}
	}
	return nil
}

func checkoutOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, gateway.ErrRejected):
		return "gateway_rejected"
	case errors.Is(err, gateway.ErrUnreachable):
		return "gateway_unreachable"
	default:
		return "error"
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
