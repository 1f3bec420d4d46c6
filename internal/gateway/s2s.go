package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	S2SSignatureHeader = "X-Signature"
	maxS2SResponse     = 1 << 20
)

// ResolveFunc returns the gateway base URL, typically from service discovery.
type ResolveFunc func(ctx context.Context) (string, error)

type S2SConfig struct {
	BaseURL       string
	Resolve       ResolveFunc
	APIKey        string
	WebhookSecret string
	Provider      string
	Timeout       time.Duration
}

// S2S talks to an in-house payments service that fronts the card processor.
type S2S struct {
	cfg    S2SConfig
	client *http.Client
}

func NewS2S(cfg S2SConfig) (*S2S, error) {
	if cfg.BaseURL == "" && cfg.Resolve == nil {
		return nil, errors.New("s2s gateway needs a base url or a resolver")
	}
	if cfg.APIKey == "" || cfg.WebhookSecret == "" {
		return nil, errors.New("s2s gateway api key and webhook secret are required")
	}
	if cfg.Provider == "" {
		cfg.Provider = "STRIPE"
	}
	return &S2S{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (g *S2S) SignatureHeader() string { return S2SSignatureHeader }

type initiateRequest struct {
	ExternalOrderID    string `json:"external_order_id"`
	ExternalCustomerID string `json:"external_customer_id"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	Provider           string `json:"provider"`
	IdempotencyKey     string `json:"idempotency_key"`
}

type initiateResponse struct {
	PaymentID    string `json:"payment_id"`
	ClientSecret string `json:"client_secret"`
}

func (g *S2S) baseURL(ctx context.Context) (string, error) {
	if g.cfg.BaseURL != "" {
		return g.cfg.BaseURL, nil
	}
	u, err := g.cfg.Resolve(ctx)
	if err != nil {
		return "", unreachable(0, "resolving payments service", err)
	}
	return u, nil
}

func (g *S2S) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	base, err := g.baseURL(ctx)
	if err != nil {
		return Intent{}, err
	}

	body, err := json.Marshal(initiateRequest{
		ExternalOrderID:    req.ExternalOrderID,
		ExternalCustomerID: req.ExternalCustomerID,
		Amount:             decimal.New(req.Amount, -2).StringFixed(2),
		Currency:           strings.ToUpper(req.Currency),
		Provider:           g.cfg.Provider,
		IdempotencyKey:     req.IdempotencyKey,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("encoding initiate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/payments/initiate", bytes.NewReader(body))
	if err != nil {
		return Intent{}, fmt.Errorf("building initiate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.cfg.APIKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Intent{}, unreachable(0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxS2SResponse))
	if err != nil {
		return Intent{}, unreachable(resp.StatusCode, "reading response", err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return Intent{}, unreachable(resp.StatusCode, string(raw), nil)
	case resp.StatusCode >= 300:
		return Intent{}, rejected(resp.StatusCode, string(raw), nil)
	}

	var out initiateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Intent{}, rejected(resp.StatusCode, "malformed response", err)
	}
	return Intent{ProviderRef: out.PaymentID, ClientSecret: out.ClientSecret, Raw: raw}, nil
}

type s2sEvent struct {
	ExternalOrderID string `json:"external_order_id"`
	PaymentID       string `json:"payment_id"`
	Status          string `json:"status"`
}

func (g *S2S) VerifyWebhook(payload []byte, signature string) (Event, error) {
	if !ValidS2SSignature(payload, signature, g.cfg.WebhookSecret) {
		return Event{}, ErrInvalidSignature
	}

	var in s2sEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		return Event{}, fmt.Errorf("decoding s2s event: %w", err)
	}

	status := strings.ToLower(in.Status)
	out := Event{Type: "payment." + status, ExternalOrderID: in.ExternalOrderID, ProviderRef: in.PaymentID, Raw: payload}
	switch status {
	case "success", "succeeded":
		out.Kind = EventSucceeded
	case "failed", "canceled", "cancelled":
		out.Kind = EventFailed
	case "processing":
		out.Kind = EventProcessing
	default:
		out.Kind = EventIgnored
	}
	return out, nil
}

// SignS2S returns the hex HMAC-SHA256 of payload, the value the payments service sends in
// X-Signature.
func SignS2S(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func ValidS2SSignature(payload []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
