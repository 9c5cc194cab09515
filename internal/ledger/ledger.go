// Package ledger provides append-only double-entry records and balance
// mutation helpers for the settlement core.
//
// Balance changes are critical rows: they must commit inside the same
// transaction as the order or corridor mutation that caused them. The
// helpers here therefore operate on a DBTX, which both *sql.DB and *sql.Tx
// satisfy, instead of owning their own connection.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/peermint/settlement/internal/idgen"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryEscrowLock          EntryType = "ESCROW_LOCK"
	EntryEscrowRelease       EntryType = "ESCROW_RELEASE"
	EntryEscrowRefund        EntryType = "ESCROW_REFUND"
	EntryCorridorSAEDLock    EntryType = "CORRIDOR_SAED_LOCK"
	EntryCorridorSAEDXfer    EntryType = "CORRIDOR_SAED_TRANSFER"
	EntrySyntheticConversion EntryType = "SYNTHETIC_CONVERSION"
	EntryFeeDeduction        EntryType = "FEE_DEDUCTION"
)

// Asset names the unit an entry is denominated in.
type Asset string

const (
	AssetUSDT Asset = "USDT" // micro-units
	AssetSAED Asset = "sAED" // fils
)

// Entry is one append-only double-entry record. Amount carries sign:
// negative for debits, positive for credits.
type Entry struct {
	ID             string            `json:"id"`
	AccountType    string            `json:"accountType"` // "user" | "merchant"
	AccountID      string            `json:"accountId"`
	EntryType      EntryType         `json:"entryType"`
	Amount         string            `json:"amount"` // integer string in the asset's smallest unit
	Asset          Asset             `json:"asset"`
	RelatedOrderID string            `json:"relatedOrderId,omitempty"`
	BalanceBefore  string            `json:"balanceBefore"`
	BalanceAfter   string            `json:"balanceAfter"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// MerchantTransaction is a row in the per-merchant activity feed.
type MerchantTransaction struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchantId"`
	Kind       string    `json:"kind"` // "escrow_lock" | "corridor_lock" | "conversion" | ...
	Amount     string    `json:"amount"`
	Asset      Asset     `json:"asset"`
	OrderID    string    `json:"orderId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Balance is the stored balance pair for one entity.
type Balance struct {
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	USDTBalance string `json:"usdtBalance"` // micro-units
	SINRBalance string `json:"sinrBalance"` // fils
}

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx, so the
// helpers below can run inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// balanceColumn maps an asset to its column.
func balanceColumn(asset Asset) string {
	if asset == AssetSAED {
		return "sinr_balance"
	}
	return "usdt_balance"
}

// LockBalance row-locks the entity's balance row and returns the current
// value for the asset. Returns ErrAccountNotFound if no row exists.
func LockBalance(ctx context.Context, q DBTX, entityType, entityID string, asset Asset) (*big.Int, error) {
	col := balanceColumn(asset)
	var s string
	err := q.QueryRowContext(ctx, `
		SELECT `+col+` FROM balances
		WHERE entity_type = $1 AND entity_id = $2
		FOR UPDATE`, entityType, entityID).Scan(&s)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance for %s:%s", entityType, entityID)
	}
	return v, nil
}

// Adjust applies a signed delta to an entity's balance for the asset,
// guarded so the result never goes negative. Returns balance before and
// after. The caller should hold the row lock via LockBalance when the
// before/after pair must be exact.
func Adjust(ctx context.Context, q DBTX, entityType, entityID string, asset Asset, delta *big.Int) (before, after *big.Int, err error) {
	before, err = LockBalance(ctx, q, entityType, entityID, asset)
	if err != nil {
		return nil, nil, err
	}
	after = new(big.Int).Add(before, delta)
	if after.Sign() < 0 {
		return nil, nil, ErrInsufficientBalance
	}
	col := balanceColumn(asset)
	_, err = q.ExecContext(ctx, `
		UPDATE balances SET `+col+` = $3, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID, after.String())
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// InsertEntry appends a ledger entry.
func InsertEntry(ctx context.Context, q DBTX, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("led_")
	}
	metaJSON, _ := json.Marshal(e.Metadata)
	if e.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, account_type, account_id, entry_type, amount, asset,
			related_order_id, balance_before, balance_after, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		e.ID, e.AccountType, e.AccountID, string(e.EntryType), e.Amount, string(e.Asset),
		nullString(e.RelatedOrderID), e.BalanceBefore, e.BalanceAfter, metaJSON,
	)
	return err
}

// InsertMerchantTransaction appends a merchant activity row.
func InsertMerchantTransaction(ctx context.Context, q DBTX, t *MerchantTransaction) error {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("mtx_")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO merchant_transactions (id, merchant_id, kind, amount, asset, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		t.ID, t.MerchantID, t.Kind, t.Amount, string(t.Asset), nullString(t.OrderID),
	)
	return err
}

// ListEntriesByOrder returns all ledger entries for an order, oldest first.
func ListEntriesByOrder(ctx context.Context, q DBTX, orderID string) ([]*Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_type, account_id, entry_type, amount, asset,
		       related_order_id, balance_before, balance_after, metadata, created_at
		FROM ledger_entries
		WHERE related_order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var relatedOrderID sql.NullString
		var entryType, asset string
		var metaJSON []byte
		if err := rows.Scan(
			&e.ID, &e.AccountType, &e.AccountID, &entryType, &e.Amount, &asset,
			&relatedOrderID, &e.BalanceBefore, &e.BalanceAfter, &metaJSON, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.EntryType = EntryType(entryType)
		e.Asset = Asset(asset)
		e.RelatedOrderID = relatedOrderID.String
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ListMerchantTransactions returns recent activity rows for a merchant.
func ListMerchantTransactions(ctx context.Context, q DBTX, merchantID string, limit int) ([]*MerchantTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, merchant_id, kind, amount, asset, order_id, created_at
		FROM merchant_transactions
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, merchantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*MerchantTransaction
	for rows.Next() {
		t := &MerchantTransaction{}
		var orderID sql.NullString
		var asset string
		if err := rows.Scan(&t.ID, &t.MerchantID, &t.Kind, &t.Amount, &asset, &orderID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Asset = Asset(asset)
		t.OrderID = orderID.String
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
