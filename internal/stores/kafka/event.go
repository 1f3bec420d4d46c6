package kafka

import "time"

const (
	TopicOrderConfirmed    = `order-service.order-confirmed`
	TopicOrderCancelled    = `order-service.order-cancelled`
	TopicInventoryOversold = `order-service.inventory-oversold`
	TopicDuplicateCharge   = `order-service.duplicate-charge`

	HeaderEventID = "event_id"
)

// Representation of the events this service publishes through the outbox.

type OrderItemEvent struct {
	ProductID *int64 `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type OrderConfirmedEvent struct {
	OrderID         int64            `json:"order_id"`
	UserID          int64            `json:"user_id"`
	ExternalOrderID string           `json:"external_order_id"`
	TotalAmount     int64            `json:"total_amount"`
	Items           []OrderItemEvent `json:"items"`
	Oversold        bool             `json:"oversold"`
	CreatedAt       time.Time        `json:"created_at"`
}

type OrderCancelledEvent struct {
	OrderID         int64     `json:"order_id"`
	UserID          int64     `json:"user_id"`
	ExternalOrderID string    `json:"external_order_id"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
}

type InventoryOversoldEvent struct {
	OrderID   int64     `json:"order_id"`
	ProductID int64     `json:"product_id"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
	Missing   bool      `json:"missing"`
	CreatedAt time.Time `json:"created_at"`
}

type DuplicateChargeEvent struct {
	OrderID         int64     `json:"order_id"`
	ExternalOrderID string    `json:"external_order_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	CreatedAt       time.Time `json:"created_at"`
}
