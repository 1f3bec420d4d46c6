package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marketplace/internal/orders"
	"marketplace/internal/outbox"
)

const uniqueViolation = "23505"

var ErrDuplicate = errors.New("duplicate key")

type pgTx struct {
	tx pgx.Tx
}

var _ orders.Tx = (*pgTx)(nil)

func (t *pgTx) LockCartLines(ctx context.Context, userID int64, ids []int64) ([]orders.CartLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.product_name_snapshot, ci.quantity, ci.price_at_addition
		FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		WHERE ci.id = ANY($1) AND c.user_id = $2 AND c.status = 'active'
		ORDER BY ci.id
		FOR UPDATE OF ci`, ids, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart items: %w", err)
	}
	return collectCartLines(rows)
}

func (t *pgTx) AddressOwned(ctx context.Context, userID, addressID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM addresses WHERE id = $1 AND user_id = $2)`, addressID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to query address: %w", err)
	}
	return ok, nil
}

func (t *pgTx) StockLevels(ctx context.Context, productIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	rows, err := t.tx.Query(ctx, `SELECT id, stock FROM products WHERE id = ANY($1)`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var stock int
		if err := rows.Scan(&id, &stock); err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		out[id] = stock
	}
	return out, rows.Err()
}

func (t *pgTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, address_id, total_amount, order_status, payment_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		o.UserID, o.AddressID, o.TotalAmount, string(o.OrderStatus), string(o.PaymentStatus),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if len(o.Items) == 0 {
		return nil
	}

	// The product foreign key takes KEY SHARE locks on products; take them in id order like
	// reconciliation does.
	order := itemInsertOrder(o.Items)
	b := &pgx.Batch{}
	for _, i := range order {
		it := o.Items[i]
		b.Queue(`
			INSERT INTO order_items (order_id, product_id, product_name_snapshot, quantity, price_per_unit)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`, o.ID, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice)
	}

	br := t.tx.SendBatch(ctx, b)
	for _, i := range order {
		if err := br.QueryRow().Scan(&o.Items[i].ID); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert order item: %w", err)
		}
		o.Items[i].OrderID = o.ID
	}
	return br.Close()
}

// itemInsertOrder returns item indexes sorted by product id. Items without a product go last.
func itemInsertOrder(items []orders.OrderItem) []int {
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := items[idx[a]].ProductID, items[idx[b]].ProductID
		switch {
		case pa == nil:
			return false
		case pb == nil:
			return true
		default:
			return *pa < *pb
		}
	})
	return idx
}

func (t *pgTx) DeleteCartLines(ctx context.Context, ids []int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to delete cart items: %w", err)
	}
	return nil
}

func (t *pgTx) InsertAttempt(ctx context.Context, a *orders.PaymentAttempt) error {
	var raw []byte
	if len(a.GatewayResponse) > 0 {
		raw = a.GatewayResponse
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO payment_attempts
			(order_id, external_order_id, external_customer_id, idempotency_key, amount, currency, status, gateway_response, provider_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING id, created_at, updated_at`,
		a.OrderID, a.ExternalOrderID, a.ExternalCustomerID, a.IdempotencyKey, a.Amount, a.Currency, string(a.Status), raw, a.ProviderRef,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
		return fmt.Errorf("failed to insert payment attempt: %w", err)
	}
	return nil
}

func (t *pgTx) LockAttempt(ctx context.Context, externalOrderID string) (orders.PaymentAttempt, error) {
	return t.lockAttempt(ctx, `external_order_id = $1`, externalOrderID)
}

func (t *pgTx) LockAttemptByProviderRef(ctx context.Context, providerRef string) (orders.PaymentAttempt, error) {
	if providerRef == "" {
		return orders.PaymentAttempt{}, orders.ErrUnknownAttempt
	}
	return t.lockAttempt(ctx, `provider_ref = $1`, providerRef)
}

func (t *pgTx) lockAttempt(ctx context.Context, where, arg string) (orders.PaymentAttempt, error) {
	var (
		a      orders.PaymentAttempt
		status string
		raw    []byte
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, order_id, external_order_id, external_customer_id, COALESCE(provider_ref, ''), idempotency_key,
		       amount, currency, status, gateway_response, created_at, updated_at
		FROM payment_attempts
		WHERE `+where+`
		FOR UPDATE`, arg,
	).Scan(&a.ID, &a.OrderID, &a.ExternalOrderID, &a.ExternalCustomerID, &a.ProviderRef, &a.IdempotencyKey,
		&a.Amount, &a.Currency, &status, &raw, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.PaymentAttempt{}, orders.ErrUnknownAttempt
		}
		return orders.PaymentAttempt{}, fmt.Errorf("failed to lock payment attempt: %w", err)
	}
	a.Status = orders.PaymentStatus(status)
	a.GatewayResponse = raw
	return a, nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Order{}, orders.ErrOrderNotFound
		}
		return orders.Order{}, fmt.Errorf("failed to lock order: %w", err)
	}

	o.Items, err = loadItems(ctx, t.tx, o.ID)
	if err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, orderID int64, os orders.OrderStatus, ps orders.PaymentStatus) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET order_status = $2, payment_status = $3, updated_at = now()
		WHERE id = $1`, orderID, string(os), string(ps))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

func (t *pgTx) SetAttemptStatus(ctx context.Context, attemptID int64, status orders.PaymentStatus) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payment_attempts
		SET status = $2, updated_at = now()
		WHERE id = $1`, attemptID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update payment attempt status: %w", err)
	}
	return nil
}

// LockStock uses FOR NO KEY UPDATE so it does not wait on the KEY SHARE locks that open
// checkouts hold through the order_items foreign key.
func (t *pgTx) LockStock(ctx context.Context, productID int64) (int, bool, error) {
	var stock int
	err := t.tx.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1 FOR NO KEY UPDATE`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to lock product: %w", err)
	}
	return stock, true, nil
}

func (t *pgTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("product %d: stock below %d while locked", productID, qty)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, rec outbox.Record) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (event_id, topic, key, payload)
		VALUES ($1, $2, $3, $4)`, rec.EventID, rec.Topic, rec.Key, []byte(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert outbox record: %w", err)
	}
	return nil
}
