package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"
)

const StripeSignatureHeader = "Stripe-Signature"

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// BaseURL overrides the Stripe API host; empty means api.stripe.com.
	BaseURL string
}

// Stripe creates PaymentIntents and verifies Stripe-signed webhooks.
type Stripe struct {
	intents       *paymentintent.Client
	webhookSecret string
}

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if cfg.SecretKey == "" || cfg.WebhookSecret == "" {
		return nil, errors.New("stripe secret key and webhook secret are required")
	}

	// The checkout transaction is open while we wait, so no SDK retries: the caller decides.
	retries := int64(0)
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: &retries,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}

	return &Stripe{
		intents: &paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, bc),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (s *Stripe) SignatureHeader() string { return StripeSignatureHeader }

func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("order_id", strconv.FormatInt(req.OrderID, 10))
	params.AddMetadata("external_order_id", req.ExternalOrderID)
	params.AddMetadata("external_customer_id", req.ExternalCustomerID)

	pi, err := s.intents.New(params)
	if err != nil {
		return Intent{}, classifyStripe(err)
	}

	var raw json.RawMessage
	if pi.LastResponse != nil && len(pi.LastResponse.RawJSON) > 0 {
		raw = pi.LastResponse.RawJSON
	} else if raw, err = json.Marshal(pi); err != nil {
		return Intent{}, fmt.Errorf("encoding payment intent: %w", err)
	}

	return Intent{ProviderRef: pi.ID, ClientSecret: pi.ClientSecret, Raw: raw}, nil
}

func classifyStripe(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch {
		case serr.HTTPStatusCode >= 500, serr.HTTPStatusCode == http.StatusTooManyRequests:
			return unreachable(serr.HTTPStatusCode, serr.Msg, err)
		case serr.HTTPStatusCode >= 400:
			return rejected(serr.HTTPStatusCode, serr.Msg, err)
		}
	}
	return unreachable(0, "", err)
}

func (s *Stripe) VerifyWebhook(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	out := Event{Type: string(ev.Type), Raw: payload}
	switch ev.Type {
	case "payment_intent.succeeded":
		out.Kind = EventSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		out.Kind = EventFailed
	case "payment_intent.processing":
		out.Kind = EventProcessing
	default:
		return out, nil
	}

	if ev.Data == nil {
		return Event{}, fmt.Errorf("%s event has no data", ev.Type)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return Event{}, fmt.Errorf("decoding payment intent: %w", err)
	}
	out.ExternalOrderID = pi.Metadata["external_order_id"]
	out.ProviderRef = pi.ID
	return out, nil
}
