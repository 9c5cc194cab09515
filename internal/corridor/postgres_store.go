package corridor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed corridor store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const providerColumns = `
	id, merchant_id, active, fee_percentage, min_amount, max_amount, rating,
	service_start_hour, service_end_hour, created_at, updated_at`

const fulfillmentColumns = `
	id, order_id, provider_id, provider_merchant_id,
	buyer_entity_type, buyer_entity_id,
	saed_amount_locked, fiat_amount, corridor_fee, bank_details,
	provider_status, send_deadline, assigned_at,
	payment_sent_at, completed_at, failed_at, updated_at`

// providerSelection is the shared WHERE clause of the match path and the
// availability probe: active, not excluded, amount-capable, in service
// hours. $1 exclude list, $2 fiat fils, $3 current UTC hour.
const providerSelection = `
	FROM corridor_providers
	WHERE active
	  AND NOT (merchant_id = ANY($1))
	  AND (min_amount IS NULL OR $2::numeric >= min_amount)
	  AND (max_amount IS NULL OR $2::numeric <= max_amount)
	  AND (service_start_hour IS NULL OR service_end_hour IS NULL
	       OR service_start_hour = service_end_hour
	       OR (service_start_hour < service_end_hour
	           AND $3 >= service_start_hour AND $3 < service_end_hour)
	       OR (service_start_hour > service_end_hour
	           AND ($3 >= service_start_hour OR $3 < service_end_hour)))
	ORDER BY fee_percentage ASC, rating DESC
	LIMIT 1`

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func (s *PostgresStore) GetFulfillment(ctx context.Context, id string) (*Fulfillment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+fulfillmentColumns+` FROM corridor_fulfillments WHERE id = $1`, id)
	return scanFulfillment(row)
}

func (s *PostgresStore) ListFulfillments(ctx context.Context, filter ListFilter) ([]*Fulfillment, error) {
	query := `SELECT` + fulfillmentColumns + ` FROM corridor_fulfillments WHERE TRUE`
	args := []any{}
	if filter.ProviderMerchantID != "" {
		args = append(args, filter.ProviderMerchantID)
		query += fmt.Sprintf(" AND provider_merchant_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND provider_status = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY assigned_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Fulfillment
	for rows.Next() {
		f, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProviderByMerchant(ctx context.Context, merchantID string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+providerColumns+` FROM corridor_providers WHERE merchant_id = $1`, merchantID)
	return scanProvider(row)
}

func (s *PostgresStore) ListProviders(ctx context.Context, activeOnly bool) ([]*Provider, error) {
	query := `SELECT` + providerColumns + ` FROM corridor_providers`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY merchant_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindBestProvider(ctx context.Context, fiatFils *big.Int, exclude []string, now time.Time) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+providerColumns+providerSelection,
		pq.Array(normalizeExclude(exclude)), fiatFils.String(), now.UTC().Hour())
	p, err := scanProvider(row)
	if err == ErrProviderNotFound {
		return nil, ErrNoLPAvailable
	}
	return p, err
}

// postgresTx implements Tx on one *sql.Tx.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) SelectBestProvider(ctx context.Context, fiatFils *big.Int, exclude []string, now time.Time) (*Provider, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT`+providerColumns+providerSelection+` FOR UPDATE`,
		pq.Array(normalizeExclude(exclude)), fiatFils.String(), now.UTC().Hour())
	p, err := scanProvider(row)
	if err == ErrProviderNotFound {
		return nil, ErrNoLPAvailable
	}
	return p, err
}

func (t *postgresTx) GetFulfillmentForUpdate(ctx context.Context, id string) (*Fulfillment, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT`+fulfillmentColumns+` FROM corridor_fulfillments WHERE id = $1 FOR UPDATE`, id)
	return scanFulfillment(row)
}

func (t *postgresTx) InsertFulfillment(ctx context.Context, f *Fulfillment) error {
	bankJSON, _ := json.Marshal(f.BankDetails)
	if f.BankDetails == nil {
		bankJSON = []byte("{}")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO corridor_fulfillments (
			id, order_id, provider_id, provider_merchant_id,
			buyer_entity_type, buyer_entity_id,
			saed_amount_locked, fiat_amount, corridor_fee, bank_details,
			provider_status, send_deadline, assigned_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		f.ID, f.OrderID, f.ProviderID, f.ProviderMerchantID,
		f.BuyerEntityType, f.BuyerEntityID,
		f.SAEDAmountLocked, f.FiatAmount, f.CorridorFee, bankJSON,
		f.ProviderStatus, f.SendDeadline, f.AssignedAt, f.UpdatedAt,
	)
	return err
}

func (t *postgresTx) UpdateFulfillment(ctx context.Context, f *Fulfillment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE corridor_fulfillments SET
			provider_status = $2, payment_sent_at = $3, completed_at = $4,
			failed_at = $5, updated_at = $6
		WHERE id = $1`,
		f.ID, f.ProviderStatus, nullTime(f.PaymentSentAt), nullTime(f.CompletedAt),
		nullTime(f.FailedAt), f.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrFulfillmentNotFound
	}
	return err
}

func (t *postgresTx) ListTimedOutForUpdate(ctx context.Context, now time.Time, limit int) ([]*Fulfillment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT`+fulfillmentColumns+`
		FROM corridor_fulfillments
		WHERE provider_status = 'pending' AND send_deadline < $1
		ORDER BY send_deadline ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Fulfillment
	for rows.Next() {
		f, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (t *postgresTx) AdjustBalance(ctx context.Context, entityType, entityID string, asset ledger.Asset, delta *big.Int) (*big.Int, *big.Int, error) {
	return ledger.Adjust(ctx, t.tx, entityType, entityID, asset, delta)
}

func (t *postgresTx) InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	return ledger.InsertEntry(ctx, t.tx, e)
}

func (t *postgresTx) InsertMerchantTransaction(ctx context.Context, mt *ledger.MerchantTransaction) error {
	return ledger.InsertMerchantTransaction(ctx, t.tx, mt)
}

func (t *postgresTx) LinkOrder(ctx context.Context, orderID, fulfillmentID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET payment_via = 'saed_corridor', corridor_fulfillment_id = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled', 'expired')`,
		orderID, fulfillmentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrOrderNotLinkable
	}
	return err
}

func (t *postgresTx) DetachOrder(ctx context.Context, orderID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET payment_via = 'bank', corridor_fulfillment_id = NULL, updated_at = NOW()
		WHERE id = $1`, orderID)
	return err
}

func (t *postgresTx) UpsertProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = idgen.WithPrefix("lpv_")
	}
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO corridor_providers (
			id, merchant_id, active, fee_percentage, min_amount, max_amount,
			rating, service_start_hour, service_end_hour, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (merchant_id) DO UPDATE SET
			active = EXCLUDED.active,
			fee_percentage = EXCLUDED.fee_percentage,
			min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount,
			rating = EXCLUDED.rating,
			service_start_hour = EXCLUDED.service_start_hour,
			service_end_hour = EXCLUDED.service_end_hour,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		p.ID, p.MerchantID, p.Active, p.FeePercentage,
		nullStr(p.MinAmount), nullStr(p.MaxAmount), nullStr(p.Rating),
		nullInt(p.ServiceStartHour), nullInt(p.ServiceEndHour),
		p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID, &p.CreatedAt)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner) (*Provider, error) {
	p := &Provider{}
	var minAmount, maxAmount, rating sql.NullString
	var startHour, endHour sql.NullInt64
	err := row.Scan(
		&p.ID, &p.MerchantID, &p.Active, &p.FeePercentage,
		&minAmount, &maxAmount, &rating, &startHour, &endHour,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	p.MinAmount = minAmount.String
	p.MaxAmount = maxAmount.String
	p.Rating = rating.String
	if startHour.Valid {
		h := int(startHour.Int64)
		p.ServiceStartHour = &h
	}
	if endHour.Valid {
		h := int(endHour.Int64)
		p.ServiceEndHour = &h
	}
	return p, nil
}

func scanFulfillment(row scanner) (*Fulfillment, error) {
	f := &Fulfillment{}
	var bankJSON []byte
	var paymentSentAt, completedAt, failedAt sql.NullTime
	err := row.Scan(
		&f.ID, &f.OrderID, &f.ProviderID, &f.ProviderMerchantID,
		&f.BuyerEntityType, &f.BuyerEntityID,
		&f.SAEDAmountLocked, &f.FiatAmount, &f.CorridorFee, &bankJSON,
		&f.ProviderStatus, &f.SendDeadline, &f.AssignedAt,
		&paymentSentAt, &completedAt, &failedAt, &f.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrFulfillmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(bankJSON) > 0 {
		_ = json.Unmarshal(bankJSON, &f.BankDetails)
	}
	f.PaymentSentAt = timePtr(paymentSentAt)
	f.CompletedAt = timePtr(completedAt)
	f.FailedAt = timePtr(failedAt)
	return f, nil
}

// normalizeExclude keeps ANY($1) well-typed for an empty list.
func normalizeExclude(exclude []string) []string {
	if exclude == nil {
		return []string{}
	}
	return exclude
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
