package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace/internal/orders"
	"marketplace/internal/outbox"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ orders.Store = (*Store)(nil)
	_ outbox.Store = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(orders.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if er := tx.Rollback(ctx); er != nil && !errors.Is(er, pgx.ErrTxClosed) {
			return fmt.Errorf("failed to rollback withTx: %w (rollback: %v)", err, er)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit withTx: %w", err)
	}
	return nil
}

const orderColumns = `id, user_id, address_id, total_amount, order_status, payment_status, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o      orders.Order
		os, ps string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.AddressID, &o.TotalAmount, &os, &ps, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	o.OrderStatus, o.PaymentStatus = orders.OrderStatus(os), orders.PaymentStatus(ps)
	return o, nil
}

func loadItems(ctx context.Context, q querier, orderID int64) ([]orders.OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, product_name_snapshot, quantity, price_per_unit
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order items: %w", err)
	}
	return items, nil
}

func (s *Store) GetOrder(ctx context.Context, userID, orderID int64) (orders.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, orderID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Order{}, orders.ErrOrderNotFound
		}
		return orders.Order{}, fmt.Errorf("failed to query order: %w", err)
	}

	o.Items, err = loadItems(ctx, s.pool, o.ID)
	if err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, userID int64) ([]orders.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	list := []orders.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return list, nil
}

func (s *Store) ListCartLines(ctx context.Context, userID int64) ([]orders.CartLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.product_name_snapshot, ci.quantity, ci.price_at_addition
		FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		WHERE c.user_id = $1 AND c.status = 'active'
		ORDER BY ci.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart items: %w", err)
	}
	return collectCartLines(rows)
}

func collectCartLines(rows pgx.Rows) ([]orders.CartLine, error) {
	defer rows.Close()

	lines := []orders.CartLine{}
	for rows.Next() {
		var ln orders.CartLine
		if err := rows.Scan(&ln.ID, &ln.CartID, &ln.ProductID, &ln.ProductName, &ln.Quantity, &ln.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		lines = append(lines, ln)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cart items: %w", err)
	}
	return lines, nil
}

func (s *Store) ProductStock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := s.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, orders.ErrProductNotFound
		}
		return 0, fmt.Errorf("failed to query stock: %w", err)
	}
	return stock, nil
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, topic, key, payload, created_at, sent_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET sent_at = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark outbox records sent: %w", err)
	}
	return nil
}
