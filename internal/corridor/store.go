package corridor

import (
	"context"
	"math/big"
	"time"

	"github.com/peermint/settlement/internal/ledger"
)

// ListFilter narrows fulfillment listings.
type ListFilter struct {
	ProviderMerchantID string
	Status             string
	Limit              int
}

// Store is the corridor persistence boundary.
type Store interface {
	// WithTx runs fn inside one transaction; fn's error rolls it back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetFulfillment(ctx context.Context, id string) (*Fulfillment, error)
	ListFulfillments(ctx context.Context, filter ListFilter) ([]*Fulfillment, error)
	GetProviderByMerchant(ctx context.Context, merchantID string) (*Provider, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]*Provider, error)

	// FindBestProvider is the read-only availability probe: same selection
	// as the match path, without locks or side effects.
	FindBestProvider(ctx context.Context, fiatFils *big.Int, exclude []string, now time.Time) (*Provider, error)
}

// Tx carries the transactional primitives of the corridor engine.
type Tx interface {
	// SelectBestProvider locks and returns the cheapest-fee, in-hours,
	// amount-capable active provider not in exclude, ordered by
	// fee_percentage ASC, rating DESC. Returns ErrNoLPAvailable when none
	// qualifies.
	SelectBestProvider(ctx context.Context, fiatFils *big.Int, exclude []string, now time.Time) (*Provider, error)

	GetFulfillmentForUpdate(ctx context.Context, id string) (*Fulfillment, error)
	InsertFulfillment(ctx context.Context, f *Fulfillment) error
	UpdateFulfillment(ctx context.Context, f *Fulfillment) error

	// ListTimedOutForUpdate locks up to limit pending fulfillments whose
	// send deadline has passed, skipping rows held by parallel sweepers.
	ListTimedOutForUpdate(ctx context.Context, now time.Time, limit int) ([]*Fulfillment, error)

	// AdjustBalance applies a signed delta to an entity's balance, guarded
	// against going negative.
	AdjustBalance(ctx context.Context, entityType, entityID string, asset ledger.Asset, delta *big.Int) (before, after *big.Int, err error)
	InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error
	InsertMerchantTransaction(ctx context.Context, mt *ledger.MerchantTransaction) error

	// LinkOrder points the order at its fulfillment and flips payment_via
	// to the corridor; DetachOrder reverts both so the order falls back to
	// the bank rail.
	LinkOrder(ctx context.Context, orderID, fulfillmentID string) error
	DetachOrder(ctx context.Context, orderID string) error

	UpsertProvider(ctx context.Context, p *Provider) error
}
