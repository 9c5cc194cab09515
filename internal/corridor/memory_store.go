package corridor

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
)

// MemoryStore implements Store for demo mode and tests, sharing a balance
// book with the order engine so both rails see one view of funds.
type MemoryStore struct {
	mu           sync.Mutex
	fulfillments map[string]*Fulfillment
	providers    map[string]*Provider // keyed by merchant ID

	book *ledger.MemoryBook

	linkFn   func(orderID, fulfillmentID string) error
	detachFn func(orderID string) error
}

// NewMemoryStore creates an in-memory corridor store over a shared balance
// book.
func NewMemoryStore(book *ledger.MemoryBook) *MemoryStore {
	if book == nil {
		book = ledger.NewMemoryBook()
	}
	return &MemoryStore{
		fulfillments: make(map[string]*Fulfillment),
		providers:    make(map[string]*Provider),
		book:         book,
	}
}

// Book exposes the balance book for seeding and assertions.
func (m *MemoryStore) Book() *ledger.MemoryBook {
	return m.book
}

// SetOrderHooks wires the order-side link and detach callbacks. In demo mode
// these point at the order memory store; a single request touches only one
// rail's lock chain at a time.
func (m *MemoryStore) SetOrderHooks(link func(orderID, fulfillmentID string) error, detach func(orderID string) error) {
	m.linkFn = link
	m.detachFn = detach
}

// SeedProvider registers an LP enrollment.
func (m *MemoryStore) SeedProvider(p *Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = idgen.WithPrefix("lpv_")
	}
	cp := *p
	m.providers[p.MerchantID] = &cp
}

// Bridge credits the LP and completes the fulfillment. Wired as the order
// memory store's corridor bridge so order completion settles the rail.
func (m *MemoryStore) Bridge(fulfillmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fulfillments[fulfillmentID]
	if !ok {
		return ErrFulfillmentNotFound
	}
	if f.ProviderStatus == FulfillmentCompleted {
		return nil
	}
	amount, ok := new(big.Int).SetString(f.SAEDAmountLocked, 10)
	if !ok {
		return ErrInvalidStatus
	}
	before, after, err := m.book.Adjust("merchant", f.ProviderMerchantID, ledger.AssetSAED, amount)
	if err != nil {
		return err
	}
	m.book.Append(&ledger.Entry{
		ID:             idgen.WithPrefix("led_"),
		AccountType:    "merchant",
		AccountID:      f.ProviderMerchantID,
		EntryType:      ledger.EntryCorridorSAEDXfer,
		Amount:         amount.String(),
		Asset:          ledger.AssetSAED,
		RelatedOrderID: f.OrderID,
		BalanceBefore:  before.String(),
		BalanceAfter:   after.String(),
		Metadata:       map[string]string{"fulfillmentId": f.ID},
	})
	now := time.Now()
	f.ProviderStatus = FulfillmentCompleted
	f.CompletedAt = &now
	f.UpdatedAt = now
	return nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{store: m})
}

func (m *MemoryStore) GetFulfillment(ctx context.Context, id string) (*Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fulfillments[id]
	if !ok {
		return nil, ErrFulfillmentNotFound
	}
	return copyFulfillment(f), nil
}

func (m *MemoryStore) ListFulfillments(ctx context.Context, filter ListFilter) ([]*Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Fulfillment
	for _, f := range m.fulfillments {
		if filter.ProviderMerchantID != "" && f.ProviderMerchantID != filter.ProviderMerchantID {
			continue
		}
		if filter.Status != "" && f.ProviderStatus != filter.Status {
			continue
		}
		out = append(out, copyFulfillment(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.After(out[j].AssignedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetProviderByMerchant(ctx context.Context, merchantID string) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[merchantID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProviders(ctx context.Context, activeOnly bool) ([]*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Provider
	for _, p := range m.providers {
		if activeOnly && !p.Active {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MerchantID < out[j].MerchantID })
	return out, nil
}

func (m *MemoryStore) FindBestProvider(ctx context.Context, fiatFils *big.Int, exclude []string, now time.Time) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestProviderLocked(fiatFils, exclude, now)
}

// bestProviderLocked mirrors the SQL selection: active, in-hours,
// amount-capable, not excluded, cheapest fee first, best rating breaking
// ties. Caller holds mu.
func (m *MemoryStore) bestProviderLocked(fiatFils *big.Int, exclude []string, now time.Time) (*Provider, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var candidates []*Provider
	for _, p := range m.providers {
		if !p.Active || excluded[p.MerchantID] || !p.InServiceHours(now) {
			continue
		}
		if !amountCapable(p, fiatFils) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, ErrNoLPAvailable
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := decimalKey(candidates[i].FeePercentage), decimalKey(candidates[j].FeePercentage)
		if c := fi.Cmp(fj); c != 0 {
			return c < 0
		}
		ri, rj := decimalKey(candidates[i].Rating), decimalKey(candidates[j].Rating)
		return ri.Cmp(rj) > 0
	})
	cp := *candidates[0]
	return &cp, nil
}

func amountCapable(p *Provider, fiatFils *big.Int) bool {
	if p.MinAmount != "" {
		if minV, ok := new(big.Int).SetString(p.MinAmount, 10); ok && fiatFils.Cmp(minV) < 0 {
			return false
		}
	}
	if p.MaxAmount != "" {
		if maxV, ok := new(big.Int).SetString(p.MaxAmount, 10); ok && fiatFils.Cmp(maxV) > 0 {
			return false
		}
	}
	return true
}

// decimalKey orders decimal strings numerically; empty or malformed values
// sort as zero.
func decimalKey(s string) *big.Rat {
	if s == "" {
		return new(big.Rat)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return new(big.Rat)
	}
	return r
}

// memoryTx applies mutations directly under the store lock.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) SelectBestProvider(ctx context.Context, fiatFils *big.Int, exclude []string, now time.Time) (*Provider, error) {
	return t.store.bestProviderLocked(fiatFils, exclude, now)
}

func (t *memoryTx) GetFulfillmentForUpdate(ctx context.Context, id string) (*Fulfillment, error) {
	f, ok := t.store.fulfillments[id]
	if !ok {
		return nil, ErrFulfillmentNotFound
	}
	return copyFulfillment(f), nil
}

func (t *memoryTx) InsertFulfillment(ctx context.Context, f *Fulfillment) error {
	t.store.fulfillments[f.ID] = copyFulfillment(f)
	return nil
}

func (t *memoryTx) UpdateFulfillment(ctx context.Context, f *Fulfillment) error {
	if _, ok := t.store.fulfillments[f.ID]; !ok {
		return ErrFulfillmentNotFound
	}
	t.store.fulfillments[f.ID] = copyFulfillment(f)
	return nil
}

func (t *memoryTx) ListTimedOutForUpdate(ctx context.Context, now time.Time, limit int) ([]*Fulfillment, error) {
	var out []*Fulfillment
	for _, f := range t.store.fulfillments {
		if f.ProviderStatus != FulfillmentPending || !f.SendDeadline.Before(now) {
			continue
		}
		out = append(out, copyFulfillment(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendDeadline.Before(out[j].SendDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) AdjustBalance(ctx context.Context, entityType, entityID string, asset ledger.Asset, delta *big.Int) (*big.Int, *big.Int, error) {
	return t.store.book.Adjust(entityType, entityID, asset, delta)
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

func (t *memoryTx) LinkOrder(ctx context.Context, orderID, fulfillmentID string) error {
	if t.store.linkFn == nil {
		return nil
	}
	return t.store.linkFn(orderID, fulfillmentID)
}

func (t *memoryTx) DetachOrder(ctx context.Context, orderID string) error {
	if t.store.detachFn == nil {
		return nil
	}
	return t.store.detachFn(orderID)
}

func (t *memoryTx) UpsertProvider(ctx context.Context, p *Provider) error {
	if existing, ok := t.store.providers[p.MerchantID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	cp := *p
	t.store.providers[p.MerchantID] = &cp
	return nil
}

func copyFulfillment(f *Fulfillment) *Fulfillment {
	cp := *f
	if f.BankDetails != nil {
		cp.BankDetails = make(map[string]string, len(f.BankDetails))
		for k, v := range f.BankDetails {
			cp.BankDetails[k] = v
		}
	}
	if f.PaymentSentAt != nil {
		ts := *f.PaymentSentAt
		cp.PaymentSentAt = &ts
	}
	if f.CompletedAt != nil {
		ts := *f.CompletedAt
		cp.CompletedAt = &ts
	}
	if f.FailedAt != nil {
		ts := *f.FailedAt
		cp.FailedAt = &ts
	}
	return &cp
}

// Compile-time assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
