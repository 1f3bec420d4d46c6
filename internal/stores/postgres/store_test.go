package postgres

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/gateway"
	"marketplace/internal/orders"
)

// These tests need a disposable database: TEST_DATABASE_URL=postgres://... go test ./...
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dsn))
	pool, err := OpenDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE outbox, payment_attempts, order_items, orders, cart_items, carts, products, addresses RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return pool
}

func newS2S(t *testing.T) *gateway.S2S {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"payment_id":"pay_%d","client_secret":"cs_%d"}`, n, n)
	}))
	t.Cleanup(srv.Close)

	g, err := gateway.NewS2S(gateway.S2SConfig{BaseURL: srv.URL, APIKey: "k", WebhookSecret: "hook", Timeout: time.Second})
	require.NoError(t, err)
	return g
}

func TestStore_CheckoutAndReconcile(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO products (id, name, price, stock) VALUES (7, 'Pixel 9', 100, 5);
		INSERT INTO addresses (id, user_id) VALUES (10, 1);
		INSERT INTO carts (id, user_id) VALUES (1, 1);
		INSERT INTO cart_items (id, cart_id, product_id, product_name_snapshot, price_at_addition, quantity)
		VALUES (1, 1, 7, 'Pixel 9', 100, 2)`)
	require.NoError(t, err)

	store, err := NewStore(pool)
	require.NoError(t, err)
	gw := newS2S(t)

	res, err := orders.NewCoordinator(store, gw, "usd", time.Second, nil).
		InitiateCheckout(ctx, orders.CheckoutRequest{UserID: 1, AddressID: 10, CartLineIDs: []int64{1}})
	require.NoError(t, err)

	order, err := store.GetOrder(ctx, 1, res.OrderID)
	require.NoError(t, err)
	assert.EqualValues(t, 200, order.TotalAmount)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Pixel 9", order.Items[0].ProductName)

	lines, err := store.ListCartLines(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, lines)

	_, err = store.GetOrder(ctx, 2, res.OrderID)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	body := []byte(fmt.Sprintf(`{"external_order_id":%q,"status":"success"}`, res.ExternalOrderID))
	r := orders.NewReconciler(store, gw, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(ctx, body, gateway.SignS2S(body, "hook"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stock, err := store.ProductStock(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, stock)

	order, err = store.GetOrder(ctx, 1, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.OrderConfirmed, order.OrderStatus)
	assert.Equal(t, orders.PaymentSuccess, order.PaymentStatus)

	pending, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, store.MarkSent(ctx, []int64{pending[0].ID}))
	pending, err = store.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_ConcurrentOversell(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	const stock, buyers = 2, 4
	_, err := pool.Exec(ctx, `INSERT INTO products (id, name, price, stock) VALUES (7, 'Pixel 9', 100, $1)`, stock)
	require.NoError(t, err)

	store, err := NewStore(pool)
	require.NoError(t, err)
	gw := newS2S(t)
	c := orders.NewCoordinator(store, gw, "usd", time.Second, nil)

	var exts []string
	for u := int64(1); u <= buyers; u++ {
		_, err := pool.Exec(ctx, `INSERT INTO addresses (id, user_id) VALUES ($1, $1)`, u)
		require.NoError(t, err)
		var cartID, lineID int64
		require.NoError(t, pool.QueryRow(ctx, `INSERT INTO carts (user_id) VALUES ($1) RETURNING id`, u).Scan(&cartID))
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO cart_items (cart_id, product_id, product_name_snapshot, price_at_addition, quantity)
			VALUES ($1, 7, 'Pixel 9', 100, 1) RETURNING id`, cartID).Scan(&lineID))

		res, err := c.InitiateCheckout(ctx, orders.CheckoutRequest{UserID: u, AddressID: u, CartLineIDs: []int64{lineID}})
		require.NoError(t, err, "checkout only reads stock")
		exts = append(exts, res.ExternalOrderID)
	}

	r := orders.NewReconciler(store, gw, nil)
	var wg sync.WaitGroup
	for _, ext := range exts {
		wg.Add(1)
		go func(ext string) {
			defer wg.Done()
			body := []byte(fmt.Sprintf(`{"external_order_id":%q,"status":"success"}`, ext))
			_, err := r.Reconcile(ctx, body, gateway.SignS2S(body, "hook"))
			assert.NoError(t, err)
		}(ext)
	}
	wg.Wait()

	left, err := store.ProductStock(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	var oversold int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE topic = 'order-service.inventory-oversold'`).Scan(&oversold))
	assert.Equal(t, buyers-stock, oversold)
}

func TestItemInsertOrder(t *testing.T) {
	t.Parallel()

	id := func(v int64) *int64 { return &v }
	items := []orders.OrderItem{
		{ProductID: id(9)},
		{ProductID: nil},
		{ProductID: id(5)},
		{ProductID: id(7)},
	}
	assert.Equal(t, []int{2, 3, 0, 1}, itemInsertOrder(items))
	assert.Empty(t, itemInsertOrder(nil))
}

// seedCheckout creates product 7, buyer 1 with address 10 and a cart line for two units.
func seedCheckout(t *testing.T, pool *pgxpool.Pool, cartStatus string) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range []string{
		`INSERT INTO products (id, name, price, stock) VALUES (7, 'Pixel 9', 100, 5)`,
		`INSERT INTO addresses (id, user_id) VALUES (10, 1)`,
	} {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, `INSERT INTO carts (id, user_id, status) VALUES (1, 1, $1)`, cartStatus)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, product_name_snapshot, price_at_addition, quantity)
		VALUES (1, 1, 7, 'Pixel 9', 100, 2)`)
	require.NoError(t, err)
}

func TestStore_CheckoutIgnoresInactiveCarts(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	seedCheckout(t, pool, "checked_out")

	store, err := NewStore(pool)
	require.NoError(t, err)

	_, err = orders.NewCoordinator(store, newS2S(t), "usd", time.Second, nil).
		InitiateCheckout(ctx, orders.CheckoutRequest{UserID: 1, AddressID: 10, CartLineIDs: []int64{1}})
	assert.ErrorIs(t, err, orders.ErrInvalidSelection)

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&n))
	assert.Zero(t, n)
}

func TestStore_ItemsKeepSnapshotAfterCatalogChange(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	seedCheckout(t, pool, "active")

	store, err := NewStore(pool)
	require.NoError(t, err)
	gw := newS2S(t)

	res, err := orders.NewCoordinator(store, gw, "usd", time.Second, nil).
		InitiateCheckout(ctx, orders.CheckoutRequest{UserID: 1, AddressID: 10, CartLineIDs: []int64{1}})
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE products SET name = 'Pixel 9 (renamed)', price = 999 WHERE id = 7`)
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"external_order_id":%q,"status":"success"}`, res.ExternalOrderID))
	_, err = orders.NewReconciler(store, gw, nil).Reconcile(ctx, body, gateway.SignS2S(body, "hook"))
	require.NoError(t, err)

	order, err := store.GetOrder(ctx, 1, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.OrderConfirmed, order.OrderStatus)
	assert.EqualValues(t, 200, order.TotalAmount)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Pixel 9", order.Items[0].ProductName)
	assert.EqualValues(t, 100, order.Items[0].UnitPrice)
}

func TestStore_ReconcileByProviderRef(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	seedCheckout(t, pool, "active")

	store, err := NewStore(pool)
	require.NoError(t, err)
	gw := newS2S(t)

	res, err := orders.NewCoordinator(store, gw, "usd", time.Second, nil).
		InitiateCheckout(ctx, orders.CheckoutRequest{UserID: 1, AddressID: 10, CartLineIDs: []int64{1}})
	require.NoError(t, err)

	var ref string
	require.NoError(t, pool.QueryRow(ctx, `SELECT provider_ref FROM payment_attempts WHERE external_order_id = $1`, res.ExternalOrderID).Scan(&ref))
	assert.Equal(t, "pay_1", ref)

	body := []byte(`{"payment_id":"pay_1","status":"success"}`)
	out, err := orders.NewReconciler(store, gw, nil).Reconcile(ctx, body, gateway.SignS2S(body, "hook"))
	require.NoError(t, err)
	assert.Equal(t, orders.OutcomeApplied, out)

	stock, err := store.ProductStock(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, stock)
}

// An open checkout holds KEY SHARE on the products its items reference; the stock lock taken
// by reconciliation must not wait for it.
func TestStore_StockLockDoesNotWaitOnOpenCheckout(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	seedCheckout(t, pool, "active")

	checkoutTx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = checkoutTx.Rollback(ctx) }()

	addr, product := int64(10), int64(7)
	open := &pgTx{tx: checkoutTx}
	require.NoError(t, open.InsertOrder(ctx, &orders.Order{
		UserID:        1,
		AddressID:     &addr,
		TotalAmount:   100,
		OrderStatus:   orders.OrderInitiated,
		PaymentStatus: orders.PaymentInitiated,
		Items:         []orders.OrderItem{{ProductID: &product, ProductName: "Pixel 9", Quantity: 1, UnitPrice: 100}},
	}))

	reconcileTx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = reconcileTx.Rollback(ctx) }()
	_, err = reconcileTx.Exec(ctx, `SET LOCAL lock_timeout = '2s'`)
	require.NoError(t, err)

	locker := &pgTx{tx: reconcileTx}
	stock, found, err := locker.LockStock(ctx, 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, stock)
	require.NoError(t, locker.DecrementStock(ctx, 7, 1))
	require.NoError(t, reconcileTx.Commit(ctx))
}
