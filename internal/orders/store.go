package orders

import (
	"context"
	"math/big"
	"time"

	"github.com/peermint/settlement/internal/ledger"
)

// ListFilter narrows order listings.
type ListFilter struct {
	UserID     string
	MerchantID string
	Status     Status
	Limit      int
}

// Store persists orders, offers and disputes. Mutating operations run inside
// WithTx so every write path is single-transaction: partial effects are
// impossible.
type Store interface {
	// WithTx runs fn in one transaction. A non-nil error from fn rolls the
	// transaction back and is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]*Order, error)
	GetOffer(ctx context.Context, id string) (*Offer, error)
	GetDispute(ctx context.Context, orderID string) (*Dispute, error)
	ListMerchantTransactions(ctx context.Context, merchantID string, limit int) ([]*ledger.MerchantTransaction, error)
}

// Tx is the set of primitives available inside a transaction. Row-locking
// methods take FOR UPDATE semantics; the in-memory implementation holds a
// store-wide lock for the duration of fn instead.
type Tx interface {
	// Orders. UpdateOrder is guarded on the version the order was read at
	// and bumps order_version by one; a guard miss is ErrOrderStatusChanged.
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error

	// Offers. ConsumeOfferLiquidity is the atomic guarded decrement
	// (available_amount >= amount in the WHERE clause); a miss is
	// ErrInsufficientLiquidity.
	GetOffer(ctx context.Context, id string) (*Offer, error)
	ConsumeOfferLiquidity(ctx context.Context, offerID, amount string) error
	RestoreOfferLiquidity(ctx context.Context, offerID, amount string) error

	// Balances and ledger. AdjustBalance row-locks the entity's balance,
	// applies the signed delta and refuses negative results.
	AdjustBalance(ctx context.Context, entityType, entityID string, asset ledger.Asset, delta *big.Int) (before, after *big.Int, err error)
	InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error
	InsertMerchantTransaction(ctx context.Context, t *ledger.MerchantTransaction) error

	// Disputes.
	InsertDispute(ctx context.Context, d *Dispute) error
	GetDisputeForUpdate(ctx context.Context, orderID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error

	// BridgeCorridorCompletion locks the fulfillment, and unless it is
	// already completed, credits the LP's sAED balance by the locked amount
	// and marks it completed. Runs atomically with the order completion.
	BridgeCorridorCompletion(ctx context.Context, fulfillmentID string) error

	// ListExpiredForUpdate returns up to limit non-terminal orders whose
	// expires_at has passed, skip-locked for worker concurrency.
	ListExpiredForUpdate(ctx context.Context, now time.Time, limit int) ([]*Order, error)

	// IncrementTradeStats bumps the per-entity counters on terminal
	// transitions. outcome is a terminal status string.
	IncrementTradeStats(ctx context.Context, entityType, entityID, outcome string) error
}
