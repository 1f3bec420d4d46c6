package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"marketplace/internal/gateway"
	"marketplace/internal/inventory"
	"marketplace/internal/metrics"
	"marketplace/internal/outbox"
	"marketplace/internal/stores/kafka"
	"marketplace/pkg/ctxmanage"
	"marketplace/pkg/logkey"
)

// Reconciler applies the provider's payment verdict to the attempt, its order and stock.
type Reconciler struct {
	store   Store
	gw      gateway.Client
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReconciler(store Store, gw gateway.Client, m *metrics.Metrics) *Reconciler {
	return &Reconciler{store: store, gw: gw, metrics: m, now: time.Now}
}

// SignatureHeader is the request header the configured provider signs webhooks with.
func (r *Reconciler) SignatureHeader() string { return r.gw.SignatureHeader() }

// Reconcile verifies a webhook and applies it at most once. Attempt, order and product rows are
// locked in that order for the whole transaction, so duplicate deliveries serialize on the
// attempt row and only the first one sees a non-terminal status.
func (r *Reconciler) Reconcile(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	traceId := ctxmanage.GetTraceId(ctx)

	ev, err := r.gw.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			slog.Warn("webhook signature rejected", slog.String(logkey.TraceID, traceId),
				slog.String(logkey.Alert, "security"), slog.String(logkey.ERROR, err.Error()))
			r.metrics.WebhookOutcome("unauthorized")
			return "", fmt.Errorf("%w: %w", ErrUnauthorizedWebhook, err)
		}
		r.metrics.WebhookOutcome("malformed")
		return "", fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
	}

	if ev.Kind == gateway.EventIgnored {
		slog.Info("webhook event ignored", slog.String(logkey.TraceID, traceId), slog.String(logkey.EventType, ev.Type))
		r.metrics.WebhookOutcome(string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	log := slog.With(slog.String(logkey.TraceID, traceId), slog.String(logkey.EventType, ev.Type),
		slog.String(logkey.ExternalOrderID, ev.ExternalOrderID), slog.String("provider_ref", ev.ProviderRef))

	if ev.ExternalOrderID == "" && ev.ProviderRef == "" {
		log.Warn("webhook without external order id or provider reference")
		r.metrics.WebhookOutcome("unknown_attempt")
		return "", ErrUnknownAttempt
	}

	var out Outcome
	err = r.store.WithTx(ctx, func(tx Tx) error {
		attempt, err := lockAttempt(ctx, tx, ev)
		if err != nil {
			return err
		}

		switch {
		case attempt.Status == PaymentSuccess:
			log.Info("duplicate webhook for settled attempt", slog.Int64(logkey.OrderID, attempt.OrderID))
			out = OutcomeDuplicate
			return nil
		case attempt.Status == PaymentFailed:
			if ev.Kind == gateway.EventSucceeded {
				log.Error("success reported for a failed attempt, refund needed",
					slog.Int64(logkey.OrderID, attempt.OrderID), slog.String(logkey.Alert, "critical"))
			} else {
				log.Info("webhook for failed attempt ignored", slog.Int64(logkey.OrderID, attempt.OrderID))
			}
			out = OutcomeDuplicate
			return nil
		}

		order, err := tx.LockOrder(ctx, attempt.OrderID)
		if err != nil {
			return fmt.Errorf("locking order %d: %w", attempt.OrderID, err)
		}

		switch ev.Kind {
		case gateway.EventSucceeded:
			out, err = r.applySuccess(ctx, tx, log, attempt, order)
		case gateway.EventFailed:
			out, err = r.applyFailure(ctx, tx, log, attempt, order)
		case gateway.EventProcessing:
			out, err = r.applyProcessing(ctx, tx, attempt, order)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnknownAttempt) {
			log.Warn("webhook for unknown payment attempt")
			r.metrics.WebhookOutcome("unknown_attempt")
		} else {
			log.Error("webhook reconciliation failed", slog.String(logkey.ERROR, err.Error()))
			r.metrics.WebhookOutcome("error")
		}
		return "", err
	}

	r.metrics.WebhookOutcome(string(out))
	return out, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, tx Tx, log *slog.Logger, attempt PaymentAttempt, order Order) (Outcome, error) {
	// Another attempt already paid for this order. Only one attempt may ever settle, so this
	// one stays as it is and the extra charge goes to operations.
	if order.PaymentStatus == PaymentSuccess {
		log.Error("order already paid by another attempt, duplicate charge",
			slog.Int64(logkey.OrderID, order.ID), slog.String(logkey.Alert, "critical"))
		rec, err := outbox.NewRecord(kafka.TopicDuplicateCharge, orderKey(order.ID), kafka.DuplicateChargeEvent{
			OrderID:         order.ID,
			ExternalOrderID: attempt.ExternalOrderID,
			Amount:          attempt.Amount,
			Currency:        attempt.Currency,
			CreatedAt:       r.now().UTC(),
		})
		if err != nil {
			return "", err
		}
		if err := tx.Enqueue(ctx, rec); err != nil {
			return "", fmt.Errorf("enqueueing duplicate charge: %w", err)
		}
		return OutcomeIgnored, nil
	}

	lines := make([]inventory.Line, 0, len(order.Items))
	var short []inventory.Shortfall
	for _, it := range order.Items {
		if it.ProductID == nil {
			short = append(short, inventory.Shortfall{Requested: it.Quantity, Missing: true})
			continue
		}
		lines = append(lines, inventory.Line{ProductID: *it.ProductID, Quantity: it.Quantity})
	}

	locked, err := inventory.Deduct(ctx, tx, lines)
	if err != nil {
		return "", err
	}
	short = append(short, locked...)

	for _, s := range short {
		log.Error("oversell: order confirmed without stock to cover it",
			slog.Int64(logkey.OrderID, order.ID), slog.Int64(logkey.ProductID, s.ProductID),
			slog.Int("requested", s.Requested), slog.Int("available", s.Available),
			slog.Bool("missing", s.Missing), slog.String(logkey.Alert, "critical"))
		r.metrics.Oversell()

		rec, err := outbox.NewRecord(kafka.TopicInventoryOversold, orderKey(order.ID), kafka.InventoryOversoldEvent{
			OrderID:   order.ID,
			ProductID: s.ProductID,
			Requested: s.Requested,
			Available: s.Available,
			Missing:   s.Missing,
			CreatedAt: r.now().UTC(),
		})
		if err != nil {
			return "", err
		}
		if err := tx.Enqueue(ctx, rec); err != nil {
			return "", fmt.Errorf("enqueueing oversell: %w", err)
		}
	}

	if err := tx.SetOrderStatus(ctx, order.ID, OrderConfirmed, PaymentSuccess); err != nil {
		return "", fmt.Errorf("confirming order: %w", err)
	}
	if err := tx.SetAttemptStatus(ctx, attempt.ID, PaymentSuccess); err != nil {
		return "", fmt.Errorf("settling attempt: %w", err)
	}

	items := make([]kafka.OrderItemEvent, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, kafka.OrderItemEvent{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	rec, err := outbox.NewRecord(kafka.TopicOrderConfirmed, orderKey(order.ID), kafka.OrderConfirmedEvent{
		OrderID:         order.ID,
		UserID:          order.UserID,
		ExternalOrderID: attempt.ExternalOrderID,
		TotalAmount:     order.TotalAmount,
		Items:           items,
		Oversold:        len(short) > 0,
		CreatedAt:       r.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := tx.Enqueue(ctx, rec); err != nil {
		return "", fmt.Errorf("enqueueing order confirmed: %w", err)
	}

	log.Info("order confirmed", slog.Int64(logkey.OrderID, order.ID))
	return OutcomeApplied, nil
}

func (r *Reconciler) applyFailure(ctx context.Context, tx Tx, log *slog.Logger, attempt PaymentAttempt, order Order) (Outcome, error) {
	if err := tx.SetAttemptStatus(ctx, attempt.ID, PaymentFailed); err != nil {
		return "", fmt.Errorf("failing attempt: %w", err)
	}

	// A paid order is never cancelled by a sibling attempt failing.
	if order.PaymentStatus == PaymentSuccess {
		log.Info("failed attempt on an already paid order", slog.Int64(logkey.OrderID, order.ID))
		return OutcomeApplied, nil
	}

	if err := tx.SetOrderStatus(ctx, order.ID, OrderCancelled, PaymentFailed); err != nil {
		return "", fmt.Errorf("cancelling order: %w", err)
	}

	rec, err := outbox.NewRecord(kafka.TopicOrderCancelled, orderKey(order.ID), kafka.OrderCancelledEvent{
		OrderID:         order.ID,
		UserID:          order.UserID,
		ExternalOrderID: attempt.ExternalOrderID,
		Reason:          "payment_failed",
		CreatedAt:       r.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := tx.Enqueue(ctx, rec); err != nil {
		return "", fmt.Errorf("enqueueing order cancelled: %w", err)
	}

	log.Info("order cancelled after payment failure", slog.Int64(logkey.OrderID, order.ID))
	return OutcomeApplied, nil
}

func (r *Reconciler) applyProcessing(ctx context.Context, tx Tx, attempt PaymentAttempt, order Order) (Outcome, error) {
	out := OutcomeDuplicate
	if attempt.Status == PaymentInitiated {
		if err := tx.SetAttemptStatus(ctx, attempt.ID, PaymentProcessing); err != nil {
			return "", fmt.Errorf("marking attempt processing: %w", err)
		}
		out = OutcomeApplied
	}
	if order.PaymentStatus == PaymentInitiated {
		if err := tx.SetOrderStatus(ctx, order.ID, order.OrderStatus, PaymentProcessing); err != nil {
			return "", fmt.Errorf("marking order processing: %w", err)
		}
		out = OutcomeApplied
	}
	return out, nil
}

// lockAttempt prefers our own reference and falls back to the provider's id, which covers
// intents created without our metadata.
func lockAttempt(ctx context.Context, tx Tx, ev gateway.Event) (PaymentAttempt, error) {
	if ev.ExternalOrderID != "" {
		a, err := tx.LockAttempt(ctx, ev.ExternalOrderID)
		if err == nil || !errors.Is(err, ErrUnknownAttempt) || ev.ProviderRef == "" {
			return a, err
		}
	}
	return tx.LockAttemptByProviderRef(ctx, ev.ProviderRef)
}

func orderKey(id int64) string { return strconv.FormatInt(id, 10) }
