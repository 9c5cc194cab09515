package convert

import (
	"context"
	"math/big"

	"github.com/peermint/settlement/internal/ledger"
)

// Store is the persistence boundary for the conversion engine.
type Store interface {
	// WithTx runs fn inside a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetConversion returns one conversion by ID.
	GetConversion(ctx context.Context, id string) (*Conversion, error)

	// ListConversions returns recent conversions for an entity, newest first.
	ListConversions(ctx context.Context, entityType, entityID string, limit int) ([]*Conversion, error)
}

// Tx is the transactional surface a conversion executes against. Both legs
// of the balance update, the conversion record, the ledger entry, and the
// merchant feed row commit or roll back together.
type Tx interface {
	// GetByIdempotencyKey returns the conversion previously recorded under
	// the key for this entity, or (nil, nil) when none exists.
	GetByIdempotencyKey(ctx context.Context, entityType, entityID, key string) (*Conversion, error)

	// LockBalances row-locks the entity's balance pair and returns both
	// current values.
	LockBalances(ctx context.Context, entityType, entityID string) (usdt, saed *big.Int, err error)

	// UpdateBalances writes both balances for the locked entity.
	UpdateBalances(ctx context.Context, entityType, entityID string, usdt, saed *big.Int) error

	// InsertConversion appends the conversion record.
	InsertConversion(ctx context.Context, c *Conversion) error

	// InsertLedgerEntry appends a ledger entry in the same transaction.
	InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error

	// InsertMerchantTransaction appends a merchant activity row.
	InsertMerchantTransaction(ctx context.Context, t *ledger.MerchantTransaction) error
}
