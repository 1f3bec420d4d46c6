// Package gateway is the boundary to the external payment processor. The order core only sees
// Client; provider SDKs and wire formats stay inside the adapters of this package.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrRejected means the provider understood the request and refused it. Retrying the same
	// request will not help.
	ErrRejected = errors.New("payment gateway rejected the request")
	// ErrUnreachable covers timeouts, network failures and provider-side 5xx. Safe to retry.
	ErrUnreachable = errors.New("payment gateway unreachable")
	// ErrInvalidSignature is returned by VerifyWebhook when the payload is not authentic.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Error carries the provider detail behind ErrRejected or ErrUnreachable.
type Error struct {
	Class      error
	StatusCode int
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Class.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

func rejected(status int, msg string, err error) error {
	return &Error{Class: ErrRejected, StatusCode: status, Msg: msg, Err: err}
}

func unreachable(status int, msg string, err error) error {
	return &Error{Class: ErrUnreachable, StatusCode: status, Msg: msg, Err: err}
}

// Classify makes sure any error coming back from a provider call is either rejected or
// unreachable. Anything unclassified is treated as unreachable so the client may retry.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrRejected) || errors.Is(err, ErrUnreachable) {
		return err
	}
	return unreachable(0, "", err)
}

// IntentRequest is what checkout asks the provider for. Amount is in minor units.
type IntentRequest struct {
	OrderID            int64
	ExternalOrderID    string
	ExternalCustomerID string
	Amount             int64
	Currency           string
	IdempotencyKey     string
}

type Intent struct {
	// ProviderRef is the provider's own id for the intent (pi_... for Stripe).
	ProviderRef  string
	ClientSecret string
	// Raw is the provider response kept verbatim for audit.
	Raw json.RawMessage
}

type EventKind int

const (
	EventIgnored EventKind = iota
	EventSucceeded
	EventFailed
	EventProcessing
)

func (k EventKind) String() string {
	switch k {
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventProcessing:
		return "processing"
	default:
		return "ignored"
	}
}

// Event is a verified webhook reduced to what reconciliation needs.
type Event struct {
	Kind            EventKind
	Type            string
	ExternalOrderID string
	// ProviderRef is the provider's transaction id, used when ExternalOrderID is absent.
	ProviderRef string
	Raw         json.RawMessage
}

type Client interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// VerifyWebhook authenticates payload against signature and decodes it. A failed check
	// returns an error wrapping ErrInvalidSignature.
	VerifyWebhook(payload []byte, signature string) (Event, error)
	// SignatureHeader names the HTTP header the provider puts the signature in.
	SignatureHeader() string
}
