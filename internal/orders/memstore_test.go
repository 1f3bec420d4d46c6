package orders

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"marketplace/internal/gateway"
	"marketplace/internal/outbox"
)

// memState is the whole database. Transactions work on a clone and swap it in on commit.
type memState struct {
	carts     map[int64]int64 // cart id -> user id
	lines     map[int64]CartLine
	addresses map[int64]int64 // address id -> user id
	stock     map[int64]int
	products  map[int64]memProduct
	orders    map[int64]Order
	attempts  map[int64]PaymentAttempt
	outbox    []outbox.Record

	nextOrder, nextItem, nextAttempt int64
}

func newMemState() memState {
	return memState{
		carts:     map[int64]int64{},
		lines:     map[int64]CartLine{},
		addresses: map[int64]int64{},
		stock:     map[int64]int{},
		products:  map[int64]memProduct{},
		orders:    map[int64]Order{},
		attempts:  map[int64]PaymentAttempt{},
	}
}

func (s memState) clone() memState {
	c := s
	c.carts = cloneMap(s.carts)
	c.lines = cloneMap(s.lines)
	c.addresses = cloneMap(s.addresses)
	c.stock = cloneMap(s.stock)
	c.products = cloneMap(s.products)
	c.attempts = cloneMap(s.attempts)
	c.orders = make(map[int64]Order, len(s.orders))
	for k, o := range s.orders {
		o.Items = append([]OrderItem(nil), o.Items...)
		c.orders[k] = o
	}
	c.outbox = append([]outbox.Record(nil), s.outbox...)
	return c
}

// memProduct is the catalog's current view of a product. Nothing in the order pipeline reads it.
type memProduct struct {
	Name  string
	Price int64
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// memStore serializes whole transactions, the strongest form of the row locking Postgres gives.
type memStore struct {
	mu sync.Mutex
	st memState

	lockLog     []int64
	failEnqueue error
}

func newMemStore() *memStore {
	return &memStore{st: newMemState()}
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	tx := &memTx{st: &work, store: m}
	if err := fn(tx); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.clone()
}

func (m *memStore) seed(fn func(s *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.st)
}

func (m *memStore) GetOrder(_ context.Context, userID, orderID int64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[orderID]
	if !ok || o.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (m *memStore) ListOrders(_ context.Context, userID int64) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.st.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) ListCartLines(_ context.Context, userID int64) ([]CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CartLine
	for _, ln := range m.st.lines {
		if m.st.carts[ln.CartID] == userID {
			out = append(out, ln)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ProductStock(_ context.Context, productID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.stock[productID]
	if !ok {
		return 0, ErrProductNotFound
	}
	return s, nil
}

type memTx struct {
	st    *memState
	store *memStore
}

func (t *memTx) LockStock(_ context.Context, productID int64) (int, bool, error) {
	t.store.lockLog = append(t.store.lockLog, productID)
	s, ok := t.st.stock[productID]
	return s, ok, nil
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, qty int) error {
	if t.st.stock[productID] < qty {
		return errors.New("stock would go negative")
	}
	t.st.stock[productID] -= qty
	return nil
}

func (t *memTx) LockCartLines(_ context.Context, userID int64, ids []int64) ([]CartLine, error) {
	var out []CartLine
	for _, id := range ids {
		ln, ok := t.st.lines[id]
		if ok && t.st.carts[ln.CartID] == userID {
			out = append(out, ln)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) AddressOwned(_ context.Context, userID, addressID int64) (bool, error) {
	owner, ok := t.st.addresses[addressID]
	return ok && owner == userID, nil
}

func (t *memTx) StockLevels(_ context.Context, productIDs []int64) (map[int64]int, error) {
	out := map[int64]int{}
	for _, id := range productIDs {
		if s, ok := t.st.stock[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *Order) error {
	t.st.nextOrder++
	o.ID = t.st.nextOrder
	for i := range o.Items {
		t.st.nextItem++
		o.Items[i].ID = t.st.nextItem
		o.Items[i].OrderID = o.ID
	}
	stored := *o
	stored.Items = append([]OrderItem(nil), o.Items...)
	t.st.orders[o.ID] = stored
	return nil
}

func (t *memTx) DeleteCartLines(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(t.st.lines, id)
	}
	return nil
}

func (t *memTx) InsertAttempt(_ context.Context, a *PaymentAttempt) error {
	for _, ex := range t.st.attempts {
		if ex.ExternalOrderID == a.ExternalOrderID || ex.IdempotencyKey == a.IdempotencyKey {
			return errors.New("unique violation")
		}
	}
	t.st.nextAttempt++
	a.ID = t.st.nextAttempt
	t.st.attempts[a.ID] = *a
	return nil
}

func (t *memTx) LockAttempt(_ context.Context, externalOrderID string) (PaymentAttempt, error) {
	for _, a := range t.st.attempts {
		if a.ExternalOrderID == externalOrderID {
			return a, nil
		}
	}
	return PaymentAttempt{}, ErrUnknownAttempt
}

func (t *memTx) LockAttemptByProviderRef(_ context.Context, providerRef string) (PaymentAttempt, error) {
	for _, a := range t.st.attempts {
		if providerRef != "" && a.ProviderRef == providerRef {
			return a, nil
		}
	}
	return PaymentAttempt{}, ErrUnknownAttempt
}

func (t *memTx) LockOrder(_ context.Context, orderID int64) (Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	o.Items = append([]OrderItem(nil), o.Items...)
	return o, nil
}

func (t *memTx) SetOrderStatus(_ context.Context, orderID int64, os OrderStatus, ps PaymentStatus) error {
	o := t.st.orders[orderID]
	o.OrderStatus, o.PaymentStatus = os, ps
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) SetAttemptStatus(_ context.Context, attemptID int64, status PaymentStatus) error {
	a := t.st.attempts[attemptID]
	a.Status = status
	t.st.attempts[attemptID] = a
	return nil
}

func (t *memTx) Enqueue(_ context.Context, rec outbox.Record) error {
	if t.store.failEnqueue != nil {
		return t.store.failEnqueue
	}
	rec.ID = int64(len(t.st.outbox) + 1)
	t.st.outbox = append(t.st.outbox, rec)
	return nil
}

func (s memState) topics() []string {
	out := make([]string, 0, len(s.outbox))
	for _, r := range s.outbox {
		out = append(out, r.Topic)
	}
	return out
}

func (s memState) attemptFor(orderID int64) PaymentAttempt {
	for _, a := range s.attempts {
		if a.OrderID == orderID {
			return a
		}
	}
	return PaymentAttempt{}
}

// fakeGateway accepts webhooks of the form "<kind> <external order id>" signed with "sig".
type fakeGateway struct {
	mu       sync.Mutex
	requests []gateway.IntentRequest
	create   func(ctx context.Context, req gateway.IntentRequest) (gateway.Intent, error)
}

func (g *fakeGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (gateway.Intent, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.create != nil {
		return g.create(ctx, req)
	}
	return gateway.Intent{ProviderRef: "pi_" + req.ExternalOrderID, ClientSecret: "secret_" + req.ExternalOrderID, Raw: []byte(`{"id":"pi_1"}`)}, nil
}

func (g *fakeGateway) VerifyWebhook(payload []byte, signature string) (gateway.Event, error) {
	if signature != "sig" {
		return gateway.Event{}, gateway.ErrInvalidSignature
	}
	kind, ext, _ := strings.Cut(string(payload), " ")
	ev := gateway.Event{Type: kind, ExternalOrderID: ext, Raw: payload}
	if ref, ok := strings.CutPrefix(ext, "ref:"); ok {
		ev.ExternalOrderID, ev.ProviderRef = "", ref
	}
	switch kind {
	case "succeeded":
		ev.Kind = gateway.EventSucceeded
	case "failed":
		ev.Kind = gateway.EventFailed
	case "processing":
		ev.Kind = gateway.EventProcessing
	case "garbled":
		return gateway.Event{}, errors.New("cannot decode")
	default:
		ev.Kind = gateway.EventIgnored
		ev.ExternalOrderID, ev.ProviderRef = "", ""
	}
	return ev, nil
}

func (g *fakeGateway) SignatureHeader() string { return "X-Test-Signature" }

func ptr[T any](v T) *T { return &v }
