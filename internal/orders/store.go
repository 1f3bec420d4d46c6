package orders

import (
	"context"

	"marketplace/internal/inventory"
	"marketplace/internal/outbox"
)

// Store is the relational store behind the order pipeline. WithTx runs fn in one transaction,
// rolling back when fn returns an error and committing otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, userID, orderID int64) (Order, error)
	ListOrders(ctx context.Context, userID int64) ([]Order, error)
	ListCartLines(ctx context.Context, userID int64) ([]CartLine, error)
	ProductStock(ctx context.Context, productID int64) (int, error)
}

// Tx is the set of statements available inside a transaction. Lock* methods hold row locks
// until the transaction ends.
type Tx interface {
	inventory.Locker

	// LockCartLines returns the lines among ids that belong to carts owned by userID.
	LockCartLines(ctx context.Context, userID int64, ids []int64) ([]CartLine, error)
	AddressOwned(ctx context.Context, userID, addressID int64) (bool, error)
	// StockLevels reads stock without locking. Missing products are absent from the map.
	StockLevels(ctx context.Context, productIDs []int64) (map[int64]int, error)
	// InsertOrder stores o with its items and fills in the generated ids and timestamps.
	InsertOrder(ctx context.Context, o *Order) error
	DeleteCartLines(ctx context.Context, ids []int64) error
	InsertAttempt(ctx context.Context, a *PaymentAttempt) error

	// LockAttempt returns ErrUnknownAttempt when no attempt has externalOrderID.
	LockAttempt(ctx context.Context, externalOrderID string) (PaymentAttempt, error)
	// LockAttemptByProviderRef finds the attempt by the provider's transaction id.
	LockAttemptByProviderRef(ctx context.Context, providerRef string) (PaymentAttempt, error)
	// LockOrder returns the order with its items.
	LockOrder(ctx context.Context, orderID int64) (Order, error)
	SetOrderStatus(ctx context.Context, orderID int64, os OrderStatus, ps PaymentStatus) error
	SetAttemptStatus(ctx context.Context, attemptID int64, status PaymentStatus) error

	Enqueue(ctx context.Context, rec outbox.Record) error
}
