package orders

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSelection    = errors.New("no valid items selected")
	ErrInvalidAddress      = errors.New("invalid shipping address")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrUnauthorizedWebhook = errors.New("unauthorized webhook")
	ErrMalformedWebhook    = errors.New("malformed webhook payload")
	ErrUnknownAttempt      = errors.New("unknown payment attempt")
	ErrOrderNotFound       = errors.New("order not found")
	ErrProductNotFound     = errors.New("product not found")
)

// StockError names the cart line that failed the advisory stock check.
type StockError struct {
	CartLineID  int64
	ProductID   *int64
	ProductName string
	Requested   int
	Available   int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }
