package orders

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
)

// MemoryStore implements Store for demo mode and tests. One store-wide lock
// stands in for row locks; the service's per-order mutex serializes the
// money paths on top of it. Guard checks run before any mutation, so a
// failed operation leaves no partial effects.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]*Order
	offers   map[string]*Offer
	disputes map[string]*Dispute // keyed by order ID
	stats    map[string]map[string]int

	book     *ledger.MemoryBook
	bridgeFn func(fulfillmentID string) error
}

// NewMemoryStore creates an in-memory order store over a shared balance
// book.
func NewMemoryStore(book *ledger.MemoryBook) *MemoryStore {
	if book == nil {
		book = ledger.NewMemoryBook()
	}
	return &MemoryStore{
		orders:   make(map[string]*Order),
		offers:   make(map[string]*Offer),
		disputes: make(map[string]*Dispute),
		stats:    make(map[string]map[string]int),
		book:     book,
	}
}

// Book exposes the balance book for seeding and assertions.
func (m *MemoryStore) Book() *ledger.MemoryBook {
	return m.book
}

// SetCorridorBridge wires the corridor memory store's completion hook so
// order completion can bridge fulfillments in mock deployments.
func (m *MemoryStore) SetCorridorBridge(fn func(fulfillmentID string) error) {
	m.bridgeFn = fn
}

// LinkCorridorFulfillment routes an order onto the sAED corridor rail.
// Wired as the corridor memory store's link hook in demo deployments.
func (m *MemoryStore) LinkCorridorFulfillment(orderID, fulfillmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.IsTerminal() {
		return ErrInvalidTransition
	}
	o.PaymentVia = PaymentViaCorridor
	o.CorridorFulfillmentID = fulfillmentID
	o.UpdatedAt = time.Now()
	return nil
}

// DetachCorridorFulfillment reverts a timed-out corridor order to the bank
// rail.
func (m *MemoryStore) DetachCorridorFulfillment(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentVia = PaymentViaBank
	o.CorridorFulfillmentID = ""
	o.UpdatedAt = time.Now()
	return nil
}

// SeedOffer registers an offer.
func (m *MemoryStore) SeedOffer(o *Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = idgen.WithPrefix("off_")
	}
	cp := *o
	m.offers[o.ID] = &cp
}

// TradeStats returns the counters recorded for an entity.
func (m *MemoryStore) TradeStats(entityType, entityID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for k, v := range m.stats[entityType+":"+entityID] {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{store: m})
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrderLocked(id)
}

func (m *MemoryStore) getOrderLocked(id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, filter ListFilter) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Order
	for _, o := range m.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.MerchantID != "" && o.MerchantID != filter.MerchantID && o.BuyerMerchantID != filter.MerchantID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListMerchantTransactions(ctx context.Context, merchantID string, limit int) ([]*ledger.MerchantTransaction, error) {
	return m.book.MerchantFeed(merchantID, limit), nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[orderID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

// memoryTx applies mutations directly under the store lock.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, id string) (*Order, error) {
	return t.store.getOrderLocked(id)
}

func (t *memoryTx) InsertOrder(ctx context.Context, o *Order) error {
	t.store.orders[o.ID] = copyOrder(o)
	return nil
}

func (t *memoryTx) UpdateOrder(ctx context.Context, o *Order) error {
	cur, ok := t.store.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.OrderVersion != o.OrderVersion {
		return ErrOrderStatusChanged
	}
	o.OrderVersion++
	t.store.orders[o.ID] = copyOrder(o)
	return nil
}

func (t *memoryTx) GetOffer(ctx context.Context, id string) (*Offer, error) {
	o, ok := t.store.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memoryTx) ConsumeOfferLiquidity(ctx context.Context, offerID, amount string) error {
	offer, ok := t.store.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	available, ok1 := new(big.Int).SetString(offer.AvailableAmount, 10)
	want, ok2 := new(big.Int).SetString(amount, 10)
	if !ok1 || !ok2 || want.Sign() <= 0 {
		return ErrInsufficientLiquidity
	}
	if available.Cmp(want) < 0 {
		return ErrInsufficientLiquidity
	}
	offer.AvailableAmount = new(big.Int).Sub(available, want).String()
	offer.UpdatedAt = time.Now()
	return nil
}

func (t *memoryTx) RestoreOfferLiquidity(ctx context.Context, offerID, amount string) error {
	offer, ok := t.store.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	available, _ := new(big.Int).SetString(offer.AvailableAmount, 10)
	delta, ok2 := new(big.Int).SetString(amount, 10)
	if available == nil || !ok2 {
		return ErrInsufficientLiquidity
	}
	offer.AvailableAmount = new(big.Int).Add(available, delta).String()
	offer.UpdatedAt = time.Now()
	return nil
}

func (t *memoryTx) AdjustBalance(ctx context.Context, entityType, entityID string, asset ledger.Asset, delta *big.Int) (*big.Int, *big.Int, error) {
	before, after, err := t.store.book.Adjust(entityType, entityID, asset, delta)
	if err == ledger.ErrInsufficientBalance {
		return nil, nil, err
	}
	return before, after, err
}

func (t *memoryTx) InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("led_")
	}
	t.store.book.Append(e)
	return nil
}

func (t *memoryTx) InsertMerchantTransaction(ctx context.Context, mt *ledger.MerchantTransaction) error {
	if mt.ID == "" {
		mt.ID = idgen.WithPrefix("mtx_")
	}
	t.store.book.AppendFeed(mt)
	return nil
}

func (t *memoryTx) InsertDispute(ctx context.Context, d *Dispute) error {
	if _, ok := t.store.disputes[d.OrderID]; ok {
		return ErrDisputeAlreadyOpen
	}
	cp := *d
	t.store.disputes[d.OrderID] = &cp
	return nil
}

func (t *memoryTx) GetDisputeForUpdate(ctx context.Context, orderID string) (*Dispute, error) {
	d, ok := t.store.disputes[orderID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (t *memoryTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	if _, ok := t.store.disputes[d.OrderID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	t.store.disputes[d.OrderID] = &cp
	return nil
}

func (t *memoryTx) BridgeCorridorCompletion(ctx context.Context, fulfillmentID string) error {
	if t.store.bridgeFn == nil {
		return nil
	}
	return t.store.bridgeFn(fulfillmentID)
}

func (t *memoryTx) ListExpiredForUpdate(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	for _, o := range t.store.orders {
		if o.IsTerminal() || o.Status == StatusDisputed {
			continue
		}
		if o.ExpiresAt == nil || !o.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) IncrementTradeStats(ctx context.Context, entityType, entityID, outcome string) error {
	k := entityType + ":" + entityID
	if t.store.stats[k] == nil {
		t.store.stats[k] = make(map[string]int)
	}
	t.store.stats[k][outcome]++
	t.store.stats[k]["total"]++
	return nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	if o.PaymentDetails != nil {
		cp.PaymentDetails = make(map[string]string, len(o.PaymentDetails))
		for k, v := range o.PaymentDetails {
			cp.PaymentDetails[k] = v
		}
	}
	cp.AcceptedAt = copyTime(o.AcceptedAt)
	cp.EscrowedAt = copyTime(o.EscrowedAt)
	cp.PaymentSentAt = copyTime(o.PaymentSentAt)
	cp.PaymentConfirmedAt = copyTime(o.PaymentConfirmedAt)
	cp.CompletedAt = copyTime(o.CompletedAt)
	cp.CancelledAt = copyTime(o.CancelledAt)
	cp.ExpiresAt = copyTime(o.ExpiresAt)
	cp.EscrowDebitedAt = copyTime(o.EscrowDebitedAt)
	cp.ExtensionRequestedAt = copyTime(o.ExtensionRequestedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Compile-time assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
