package convert

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/peermint/settlement/internal/ledger"
)

// PostgresStore implements Store over lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed conversion store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn inside one transaction. fn returning an error rolls back.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

const conversionColumns = `id, entity_type, entity_id, direction, idempotency_key,
	amount_in, amount_out, rate, usdt_before, usdt_after, sinr_before, sinr_after, created_at`

func (p *PostgresStore) GetConversion(ctx context.Context, id string) (*Conversion, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM synthetic_conversions WHERE id = $1`, id)
	c, err := scanConversion(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversionNotFound
	}
	return c, err
}

func (p *PostgresStore) ListConversions(ctx context.Context, entityType, entityID string, limit int) ([]*Conversion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+conversionColumns+` FROM synthetic_conversions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetByIdempotencyKey(ctx context.Context, entityType, entityID, key string) (*Conversion, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+conversionColumns+` FROM synthetic_conversions
		WHERE entity_type = $1 AND entity_id = $2 AND idempotency_key = $3`,
		entityType, entityID, key)
	c, err := scanConversion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (t *postgresTx) LockBalances(ctx context.Context, entityType, entityID string) (*big.Int, *big.Int, error) {
	var usdtStr, saedStr string
	err := t.tx.QueryRowContext(ctx, `
		SELECT usdt_balance, sinr_balance FROM balances
		WHERE entity_type = $1 AND entity_id = $2
		FOR UPDATE`, entityType, entityID).Scan(&usdtStr, &saedStr)
	if err == sql.ErrNoRows {
		return nil, nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	usdt, ok1 := new(big.Int).SetString(usdtStr, 10)
	saed, ok2 := new(big.Int).SetString(saedStr, 10)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("corrupt balance for %s:%s", entityType, entityID)
	}
	return usdt, saed, nil
}

func (t *postgresTx) UpdateBalances(ctx context.Context, entityType, entityID string, usdt, saed *big.Int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET usdt_balance = $3, sinr_balance = $4, updated_at = NOW()
		WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID, usdt.String(), saed.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) InsertConversion(ctx context.Context, c *Conversion) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO synthetic_conversions (
			id, entity_type, entity_id, direction, idempotency_key,
			amount_in, amount_out, rate, usdt_before, usdt_after, sinr_before, sinr_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.EntityType, c.EntityID, c.Direction, nullStr(c.IdempotencyKey),
		c.AmountIn, c.AmountOut, c.Rate, c.USDTBefore, c.USDTAfter, c.SAEDBefore, c.SAEDAfter,
		c.CreatedAt,
	)
	return err
}

func (t *postgresTx) InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	return ledger.InsertEntry(ctx, t.tx, e)
}

func (t *postgresTx) InsertMerchantTransaction(ctx context.Context, mt *ledger.MerchantTransaction) error {
	return ledger.InsertMerchantTransaction(ctx, t.tx, mt)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversion(row scanner) (*Conversion, error) {
	c := &Conversion{}
	var key sql.NullString
	if err := row.Scan(
		&c.ID, &c.EntityType, &c.EntityID, &c.Direction, &key,
		&c.AmountIn, &c.AmountOut, &c.Rate, &c.USDTBefore, &c.USDTAfter, &c.SAEDBefore, &c.SAEDAfter,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.IdempotencyKey = key.String
	return c, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
