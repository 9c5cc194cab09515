package convert

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
)

// MemoryStore implements Store for demo mode and tests over the shared
// balance book.
type MemoryStore struct {
	mu          sync.Mutex
	conversions map[string]*Conversion
	byKey       map[string]string // entityType:entityID:key -> conversion ID

	book *ledger.MemoryBook
}

// NewMemoryStore creates an in-memory conversion store over a shared
// balance book.
func NewMemoryStore(book *ledger.MemoryBook) *MemoryStore {
	if book == nil {
		book = ledger.NewMemoryBook()
	}
	return &MemoryStore{
		conversions: make(map[string]*Conversion),
		byKey:       make(map[string]string),
		book:        book,
	}
}

// Book exposes the balance book for seeding and assertions.
func (m *MemoryStore) Book() *ledger.MemoryBook {
	return m.book
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) GetConversion(ctx context.Context, id string) (*Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversions[id]
	if !ok {
		return nil, ErrConversionNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListConversions(ctx context.Context, entityType, entityID string, limit int) ([]*Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conversion
	for _, c := range m.conversions {
		if c.EntityType != entityType || c.EntityID != entityID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func keyIndex(entityType, entityID, key string) string {
	return entityType + ":" + entityID + ":" + key
}

// memoryTx buffers record inserts so a failed conversion leaves no trace;
// balance writes go straight to the shared book, which is safe because the
// service only updates balances on the success path.
type memoryTx struct {
	store   *MemoryStore
	pending []func()
}

func (t *memoryTx) commit() {
	for _, apply := range t.pending {
		apply()
	}
}

func (t *memoryTx) GetByIdempotencyKey(ctx context.Context, entityType, entityID, key string) (*Conversion, error) {
	id, ok := t.store.byKey[keyIndex(entityType, entityID, key)]
	if !ok {
		return nil, nil
	}
	c, ok := t.store.conversions[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (t *memoryTx) LockBalances(ctx context.Context, entityType, entityID string) (*big.Int, *big.Int, error) {
	bal, ok := t.store.book.Get(entityType, entityID)
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	usdt, _ := new(big.Int).SetString(bal.USDTBalance, 10)
	saed, _ := new(big.Int).SetString(bal.SINRBalance, 10)
	return usdt, saed, nil
}

func (t *memoryTx) UpdateBalances(ctx context.Context, entityType, entityID string, usdt, saed *big.Int) error {
	t.store.book.Seed(entityType, entityID, ledger.AssetUSDT, usdt)
	t.store.book.Seed(entityType, entityID, ledger.AssetSAED, saed)
	return nil
}

func (t *memoryTx) InsertConversion(ctx context.Context, c *Conversion) error {
	cp := *c
	t.pending = append(t.pending, func() {
		t.store.conversions[cp.ID] = &cp
		if cp.IdempotencyKey != "" {
			t.store.byKey[keyIndex(cp.EntityType, cp.EntityID, cp.IdempotencyKey)] = cp.ID
		}
	})
	return nil
}

func (t *memoryTx) InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("led_")
	}
	cp := *e
	t.pending = append(t.pending, func() {
		t.store.book.Append(&cp)
	})
	return nil
}

func (t *memoryTx) InsertMerchantTransaction(ctx context.Context, mt *ledger.MerchantTransaction) error {
	if mt.ID == "" {
		mt.ID = idgen.WithPrefix("mtx_")
	}
	cp := *mt
	t.pending = append(t.pending, func() {
		t.store.book.AppendFeed(&cp)
	})
	return nil
}

// Compile-time assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
