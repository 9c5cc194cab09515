package ledger

import (
	"math/big"
	"sync"
	"time"
)

// MemoryBook is an in-memory balance book plus entry log, shared by the
// memory store implementations across packages so mock-mode tests see one
// consistent view of funds.
type MemoryBook struct {
	mu       sync.Mutex
	balances map[string]*Balance // key entityType:entityID
	entries  []*Entry
	feed     []*MerchantTransaction

	nowFn func() time.Time
}

// NewMemoryBook creates an empty balance book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{
		balances: make(map[string]*Balance),
		nowFn:    time.Now,
	}
}

func key(entityType, entityID string) string { return entityType + ":" + entityID }

// Seed sets an entity's balance for an asset, creating the account.
func (b *MemoryBook) Seed(entityType, entityID string, asset Asset, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.account(entityType, entityID)
	if asset == AssetSAED {
		bal.SINRBalance = amount.String()
	} else {
		bal.USDTBalance = amount.String()
	}
}

// account returns (creating if absent) the balance row. Caller holds mu.
func (b *MemoryBook) account(entityType, entityID string) *Balance {
	k := key(entityType, entityID)
	bal, ok := b.balances[k]
	if !ok {
		bal = &Balance{EntityType: entityType, EntityID: entityID, USDTBalance: "0", SINRBalance: "0"}
		b.balances[k] = bal
	}
	return bal
}

// Get returns a copy of the entity's balances.
func (b *MemoryBook) Get(entityType, entityID string) (*Balance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.balances[key(entityType, entityID)]
	if !ok {
		return nil, false
	}
	cp := *bal
	return &cp, true
}

// Adjust applies a signed delta, guarded against negative balances. The
// account must already exist; unknown accounts return ErrAccountNotFound so
// mock mode mirrors the Postgres behavior.
func (b *MemoryBook) Adjust(entityType, entityID string, asset Asset, delta *big.Int) (before, after *big.Int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.balances[key(entityType, entityID)]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	cur := bal.USDTBalance
	if asset == AssetSAED {
		cur = bal.SINRBalance
	}
	before, _ = new(big.Int).SetString(cur, 10)
	after = new(big.Int).Add(before, delta)
	if after.Sign() < 0 {
		return nil, nil, ErrInsufficientBalance
	}
	if asset == AssetSAED {
		bal.SINRBalance = after.String()
	} else {
		bal.USDTBalance = after.String()
	}
	return before, after, nil
}

// Append records a ledger entry.
func (b *MemoryBook) Append(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.nowFn()
	}
	b.entries = append(b.entries, e)
}

// AppendFeed records a merchant activity row.
func (b *MemoryBook) AppendFeed(t *MerchantTransaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = b.nowFn()
	}
	b.feed = append(b.feed, t)
}

// EntriesByOrder returns entries referencing the order, oldest first.
func (b *MemoryBook) EntriesByOrder(orderID string) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Entry
	for _, e := range b.entries {
		if e.RelatedOrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

// EntriesByAccount returns entries for one account, oldest first.
func (b *MemoryBook) EntriesByAccount(entityType, entityID string) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Entry
	for _, e := range b.entries {
		if e.AccountType == entityType && e.AccountID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// MerchantFeed returns recent activity rows for a merchant, newest first.
func (b *MemoryBook) MerchantFeed(merchantID string, limit int) []*MerchantTransaction {
	if limit <= 0 {
		limit = 50
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*MerchantTransaction
	for i := len(b.feed) - 1; i >= 0 && len(out) < limit; i-- {
		if b.feed[i].MerchantID == merchantID {
			out = append(out, b.feed[i])
		}
	}
	return out
}
