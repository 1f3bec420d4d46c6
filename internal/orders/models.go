package orders

import (
	"encoding/json"
	"time"
)

type OrderStatus string

const (
	OrderInitiated OrderStatus = "INITIATED"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentInitiated  PaymentStatus = "INITIATED"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSuccess    PaymentStatus = "SUCCESS"
	PaymentFailed     PaymentStatus = "FAILED"
)

// Terminal reports whether no further webhook may move a payment out of s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// CartLine is a cart entry as captured when it was added. Price and name never follow later
// catalog edits. ProductID is nil once the product has been deleted.
type CartLine struct {
	ID          int64  `json:"id"`
	CartID      int64  `json:"cart_id"`
	ProductID   *int64 `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"` // minor units
}

type Order struct {
	ID            int64         `json:"id"`
	UserID        int64         `json:"user_id"`
	AddressID     *int64        `json:"address_id"`
	TotalAmount   int64         `json:"total_amount"` // minor units
	OrderStatus   OrderStatus   `json:"order_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Items         []OrderItem   `json:"items,omitempty"`
}

// OrderItem is an immutable snapshot of a cart line at checkout.
type OrderItem struct {
	ID          int64  `json:"id"`
	OrderID     int64  `json:"order_id"`
	ProductID   *int64 `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

type PaymentAttempt struct {
	ID                 int64           `json:"id"`
	OrderID            int64           `json:"order_id"`
	ExternalOrderID    string          `json:"external_order_id"`
	ExternalCustomerID string          `json:"external_customer_id"`
	ProviderRef        string          `json:"provider_ref,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key"`
	Amount             int64           `json:"amount"`
	Currency           string          `json:"currency"`
	Status             PaymentStatus   `json:"status"`
	GatewayResponse    json.RawMessage `json:"gateway_response,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type CheckoutRequest struct {
	UserID      int64
	AddressID   int64
	CartLineIDs []int64
}

type CheckoutResult struct {
	OrderID         int64  `json:"order_id"`
	ClientSecret    string `json:"client_secret"`
	ExternalOrderID string `json:"external_order_id"`
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)
