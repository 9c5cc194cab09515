package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/peermint/settlement/internal/ledger"
)

// PostgresStore persists orders, offers and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed order store.
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

const orderColumns = `id, order_number, user_id, merchant_id, buyer_merchant_id, offer_id,
	direction, payment_method, crypto_amount, crypto_currency, fiat_amount, fiat_currency,
	rate, fee_percentage, fee_amount, status, payment_details,
	accepted_at, escrowed_at, payment_sent_at, payment_confirmed_at, completed_at, cancelled_at, expires_at,
	escrow_tx_hash, escrow_trade_id, escrow_creator_wallet, escrow_program_address, escrow_vault_address,
	escrow_debited_entity_type, escrow_debited_entity_id, escrow_debited_amount, escrow_debited_at,
	release_tx_hash, refund_tx_hash, cancelled_by, cancellation_reason,
	extension_count, max_extensions, extension_requested_by, extension_requested_at, extension_minutes,
	order_version, payment_via, corridor_fulfillment_id, created_at, updated_at`

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOrders(ctx context.Context, filter ListFilter) ([]*Order, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.MerchantID != "" {
		args = append(args, filter.MerchantID)
		conds = append(conds, fmt.Sprintf("(merchant_id = $%d OR buyer_merchant_id = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return getOffer(ctx, p.db, id, false)
}

func (p *PostgresStore) GetDispute(ctx context.Context, orderID string) (*Dispute, error) {
	return getDispute(ctx, p.db, orderID, false)
}

func (p *PostgresStore) ListMerchantTransactions(ctx context.Context, merchantID string, limit int) ([]*ledger.MerchantTransaction, error) {
	return ledger.ListMerchantTransactions(ctx, p.db, merchantID, limit)
}

// postgresTx implements Tx over one *sql.Tx.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetOrderForUpdate(ctx context.Context, id string) (*Order, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *Order) error {
	detailsJSON, _ := json.Marshal(o.PaymentDetails)
	if o.PaymentDetails == nil {
		detailsJSON = []byte("{}")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, merchant_id, buyer_merchant_id, offer_id,
			direction, payment_method, crypto_amount, crypto_currency, fiat_amount, fiat_currency,
			rate, fee_percentage, fee_amount, status, payment_details,
			accepted_at, escrowed_at, payment_sent_at, payment_confirmed_at, completed_at, cancelled_at, expires_at,
			escrow_tx_hash, escrow_trade_id, escrow_creator_wallet, escrow_program_address, escrow_vault_address,
			escrow_debited_entity_type, escrow_debited_entity_id, escrow_debited_amount, escrow_debited_at,
			release_tx_hash, refund_tx_hash, cancelled_by, cancellation_reason,
			extension_count, max_extensions, extension_requested_by, extension_requested_at, extension_minutes,
			order_version, payment_via, corridor_fulfillment_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33,
			$34, $35, $36, $37, $38, $39, $40, $41, $42, $43, $44, $45, $46, $47
		)`,
		o.ID, o.OrderNumber, o.UserID, o.MerchantID, nullStr(o.BuyerMerchantID), o.OfferID,
		o.Direction, o.PaymentMethod, o.CryptoAmount, o.CryptoCurrency, o.FiatAmount, o.FiatCurrency,
		o.Rate, nullStr(o.FeePercentage), nullStr(o.FeeAmount), string(o.Status), detailsJSON,
		nullTimePtr(o.AcceptedAt), nullTimePtr(o.EscrowedAt), nullTimePtr(o.PaymentSentAt),
		nullTimePtr(o.PaymentConfirmedAt), nullTimePtr(o.CompletedAt), nullTimePtr(o.CancelledAt), nullTimePtr(o.ExpiresAt),
		nullStr(o.EscrowTxHash), nullStr(o.EscrowTradeID), nullStr(o.EscrowCreatorWallet),
		nullStr(o.EscrowProgramAddress), nullStr(o.EscrowVaultAddress),
		nullStr(o.EscrowDebitedEntityType), nullStr(o.EscrowDebitedEntityID), nullStr(o.EscrowDebitedAmount), nullTimePtr(o.EscrowDebitedAt),
		nullStr(o.ReleaseTxHash), nullStr(o.RefundTxHash), nullStr(o.CancelledBy), nullStr(o.CancellationReason),
		o.ExtensionCount, o.MaxExtensions, nullStr(o.ExtensionRequestedBy), nullTimePtr(o.ExtensionRequestedAt), o.ExtensionMinutes,
		o.OrderVersion, o.PaymentVia, nullStr(o.CorridorFulfillmentID), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// UpdateOrder writes the full row guarded on the version it was read at and
// bumps order_version. A guard miss means a concurrent writer won the row.
func (t *postgresTx) UpdateOrder(ctx context.Context, o *Order) error {
	detailsJSON, _ := json.Marshal(o.PaymentDetails)
	if o.PaymentDetails == nil {
		detailsJSON = []byte("{}")
	}
	var newVersion int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE orders SET
			user_id = $2, merchant_id = $3, buyer_merchant_id = $4,
			status = $5, payment_details = $6,
			accepted_at = $7, escrowed_at = $8, payment_sent_at = $9, payment_confirmed_at = $10,
			completed_at = $11, cancelled_at = $12, expires_at = $13,
			escrow_tx_hash = $14, escrow_trade_id = $15, escrow_creator_wallet = $16,
			escrow_program_address = $17, escrow_vault_address = $18,
			escrow_debited_entity_type = $19, escrow_debited_entity_id = $20,
			escrow_debited_amount = $21, escrow_debited_at = $22,
			release_tx_hash = $23, refund_tx_hash = $24, cancelled_by = $25, cancellation_reason = $26,
			extension_count = $27, extension_requested_by = $28, extension_requested_at = $29, extension_minutes = $30,
			payment_via = $31, corridor_fulfillment_id = $32,
			order_version = order_version + 1, updated_at = $33
		WHERE id = $1 AND order_version = $34
		RETURNING order_version`,
		o.ID, o.UserID, o.MerchantID, nullStr(o.BuyerMerchantID),
		string(o.Status), detailsJSON,
		nullTimePtr(o.AcceptedAt), nullTimePtr(o.EscrowedAt), nullTimePtr(o.PaymentSentAt), nullTimePtr(o.PaymentConfirmedAt),
		nullTimePtr(o.CompletedAt), nullTimePtr(o.CancelledAt), nullTimePtr(o.ExpiresAt),
		nullStr(o.EscrowTxHash), nullStr(o.EscrowTradeID), nullStr(o.EscrowCreatorWallet),
		nullStr(o.EscrowProgramAddress), nullStr(o.EscrowVaultAddress),
		nullStr(o.EscrowDebitedEntityType), nullStr(o.EscrowDebitedEntityID),
		nullStr(o.EscrowDebitedAmount), nullTimePtr(o.EscrowDebitedAt),
		nullStr(o.ReleaseTxHash), nullStr(o.RefundTxHash), nullStr(o.CancelledBy), nullStr(o.CancellationReason),
		o.ExtensionCount, nullStr(o.ExtensionRequestedBy), nullTimePtr(o.ExtensionRequestedAt), o.ExtensionMinutes,
		o.PaymentVia, nullStr(o.CorridorFulfillmentID), o.UpdatedAt, o.OrderVersion,
	).Scan(&newVersion)
	if err == sql.ErrNoRows {
		return ErrOrderStatusChanged
	}
	if err != nil {
		return err
	}
	o.OrderVersion = newVersion
	return nil
}

func (t *postgresTx) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return getOffer(ctx, t.tx, id, true)
}

// ConsumeOfferLiquidity is the optimistic guarded decrement: the WHERE
// clause enforces available_amount >= amount, so two racing creates cannot
// both succeed past the available liquidity.
func (t *postgresTx) ConsumeOfferLiquidity(ctx context.Context, offerID, amount string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE offers SET
			available_amount = available_amount - $2::numeric,
			updated_at = NOW()
		WHERE id = $1 AND active AND available_amount >= $2::numeric`,
		offerID, amount)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := t.tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM offers WHERE id = $1)`, offerID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOfferNotFound
		}
		return ErrInsufficientLiquidity
	}
	return nil
}

func (t *postgresTx) RestoreOfferLiquidity(ctx context.Context, offerID, amount string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE offers SET
			available_amount = available_amount + $2::numeric,
			updated_at = NOW()
		WHERE id = $1`, offerID, amount)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
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

const disputeColumns = `id, order_id, opened_by_type, opened_by_id, reason, status,
	resolution, split_user_pct, split_merchant_pct, proposed_by_type, proposed_by_id,
	user_confirmed, merchant_confirmed, opened_at, resolved_at, updated_at`

func (t *postgresTx) InsertDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.OrderID, d.OpenedByType, d.OpenedByID, d.Reason, d.Status,
		nullStr(d.Resolution), d.SplitUserPct, d.SplitMerchantPct,
		nullStr(d.ProposedByType), nullStr(d.ProposedByID),
		d.UserConfirmed, d.MerchantConfirmed, d.OpenedAt, nullTimePtr(d.ResolvedAt), d.UpdatedAt,
	)
	return err
}

func (t *postgresTx) GetDisputeForUpdate(ctx context.Context, orderID string) (*Dispute, error) {
	return getDispute(ctx, t.tx, orderID, true)
}

func (t *postgresTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, resolution = $3, split_user_pct = $4, split_merchant_pct = $5,
			proposed_by_type = $6, proposed_by_id = $7,
			user_confirmed = $8, merchant_confirmed = $9,
			resolved_at = $10, updated_at = $11
		WHERE order_id = $1`,
		d.OrderID, d.Status, nullStr(d.Resolution), d.SplitUserPct, d.SplitMerchantPct,
		nullStr(d.ProposedByType), nullStr(d.ProposedByID),
		d.UserConfirmed, d.MerchantConfirmed, nullTimePtr(d.ResolvedAt), d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// BridgeCorridorCompletion credits the LP and completes the fulfillment in
// the caller's transaction. Already-completed fulfillments are a no-op so
// replays are safe.
func (t *postgresTx) BridgeCorridorCompletion(ctx context.Context, fulfillmentID string) error {
	var (
		orderID          string
		providerMerchant string
		lockedFils       string
		providerStatus   string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT order_id, provider_merchant_id, saed_amount_locked, provider_status
		FROM corridor_fulfillments
		WHERE id = $1
		FOR UPDATE`, fulfillmentID).Scan(&orderID, &providerMerchant, &lockedFils, &providerStatus)
	if err == sql.ErrNoRows {
		return fmt.Errorf("corridor fulfillment %s not found", fulfillmentID)
	}
	if err != nil {
		return err
	}
	if providerStatus == "completed" {
		return nil
	}

	amount, ok := new(big.Int).SetString(lockedFils, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("corrupt locked amount %q on fulfillment %s", lockedFils, fulfillmentID)
	}
	before, after, err := ledger.Adjust(ctx, t.tx, ActorMerchant, providerMerchant, ledger.AssetSAED, amount)
	if err != nil {
		return err
	}
	if err := ledger.InsertEntry(ctx, t.tx, &ledger.Entry{
		AccountType:    ActorMerchant,
		AccountID:      providerMerchant,
		EntryType:      ledger.EntryCorridorSAEDXfer,
		Amount:         amount.String(),
		Asset:          ledger.AssetSAED,
		RelatedOrderID: orderID,
		BalanceBefore:  before.String(),
		BalanceAfter:   after.String(),
		Metadata:       map[string]string{"fulfillmentId": fulfillmentID},
	}); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE corridor_fulfillments SET
			provider_status = 'completed',
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`, fulfillmentID)
	return err
}

func (t *postgresTx) ListExpiredForUpdate(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('completed', 'cancelled', 'expired', 'disputed')
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (t *postgresTx) IncrementTradeStats(ctx context.Context, entityType, entityID, outcome string) error {
	completed, cancelled := 0, 0
	switch outcome {
	case string(StatusCompleted):
		completed = 1
	case string(StatusCancelled), string(StatusExpired):
		cancelled = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trade_stats (entity_type, entity_id, completed_trades, cancelled_trades, total_trades, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			completed_trades = trade_stats.completed_trades + $3,
			cancelled_trades = trade_stats.cancelled_trades + $4,
			total_trades = trade_stats.total_trades + 1,
			updated_at = NOW()`,
		entityType, entityID, completed, cancelled)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOffer(ctx context.Context, q queryer, id string, forUpdate bool) (*Offer, error) {
	query := `
		SELECT id, merchant_id, direction, payment_method, rate, available_amount,
		       min_amount, max_amount, active, created_at, updated_at
		FROM offers WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	o := &Offer{}
	var minAmount, maxAmount sql.NullString
	err := q.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.MerchantID, &o.Direction, &o.PaymentMethod, &o.Rate, &o.AvailableAmount,
		&minAmount, &maxAmount, &o.Active, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	o.MinAmount = minAmount.String
	o.MaxAmount = maxAmount.String
	return o, nil
}

func getDispute(ctx context.Context, q queryer, orderID string, forUpdate bool) (*Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE order_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	d := &Dispute{}
	var (
		resolution, proposedByType, proposedByID sql.NullString
		resolvedAt                               sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, orderID).Scan(
		&d.ID, &d.OrderID, &d.OpenedByType, &d.OpenedByID, &d.Reason, &d.Status,
		&resolution, &d.SplitUserPct, &d.SplitMerchantPct, &proposedByType, &proposedByID,
		&d.UserConfirmed, &d.MerchantConfirmed, &d.OpenedAt, &resolvedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Resolution = resolution.String
	d.ProposedByType = proposedByType.String
	d.ProposedByID = proposedByID.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (*Order, error) {
	o := &Order{}
	var (
		buyerMerchantID, feePercentage, feeAmount                                    sql.NullString
		detailsJSON                                                                  []byte
		acceptedAt, escrowedAt, paymentSentAt, paymentConfirmedAt                    sql.NullTime
		completedAt, cancelledAt, expiresAt, escrowDebitedAt, extensionRequestedAt   sql.NullTime
		escrowTxHash, escrowTradeID, escrowCreatorWallet, escrowProgram, escrowVault sql.NullString
		debitedEntityType, debitedEntityID, debitedAmount                            sql.NullString
		releaseTxHash, refundTxHash, cancelledBy, cancellationReason                 sql.NullString
		extensionRequestedBy, corridorFulfillmentID                                  sql.NullString
		status                                                                       string
	)
	err := s.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.MerchantID, &buyerMerchantID, &o.OfferID,
		&o.Direction, &o.PaymentMethod, &o.CryptoAmount, &o.CryptoCurrency, &o.FiatAmount, &o.FiatCurrency,
		&o.Rate, &feePercentage, &feeAmount, &status, &detailsJSON,
		&acceptedAt, &escrowedAt, &paymentSentAt, &paymentConfirmedAt, &completedAt, &cancelledAt, &expiresAt,
		&escrowTxHash, &escrowTradeID, &escrowCreatorWallet, &escrowProgram, &escrowVault,
		&debitedEntityType, &debitedEntityID, &debitedAmount, &escrowDebitedAt,
		&releaseTxHash, &refundTxHash, &cancelledBy, &cancellationReason,
		&o.ExtensionCount, &o.MaxExtensions, &extensionRequestedBy, &extensionRequestedAt, &o.ExtensionMinutes,
		&o.OrderVersion, &o.PaymentVia, &corridorFulfillmentID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.BuyerMerchantID = buyerMerchantID.String
	o.FeePercentage = feePercentage.String
	o.FeeAmount = feeAmount.String
	o.EscrowTxHash = escrowTxHash.String
	o.EscrowTradeID = escrowTradeID.String
	o.EscrowCreatorWallet = escrowCreatorWallet.String
	o.EscrowProgramAddress = escrowProgram.String
	o.EscrowVaultAddress = escrowVault.String
	o.EscrowDebitedEntityType = debitedEntityType.String
	o.EscrowDebitedEntityID = debitedEntityID.String
	o.EscrowDebitedAmount = debitedAmount.String
	o.ReleaseTxHash = releaseTxHash.String
	o.RefundTxHash = refundTxHash.String
	o.CancelledBy = cancelledBy.String
	o.CancellationReason = cancellationReason.String
	o.ExtensionRequestedBy = extensionRequestedBy.String
	o.CorridorFulfillmentID = corridorFulfillmentID.String
	if len(detailsJSON) > 0 {
		_ = json.Unmarshal(detailsJSON, &o.PaymentDetails)
	}
	o.AcceptedAt = timePtr(acceptedAt)
	o.EscrowedAt = timePtr(escrowedAt)
	o.PaymentSentAt = timePtr(paymentSentAt)
	o.PaymentConfirmedAt = timePtr(paymentConfirmedAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.ExpiresAt = timePtr(expiresAt)
	o.EscrowDebitedAt = timePtr(escrowDebitedAt)
	o.ExtensionRequestedAt = timePtr(extensionRequestedAt)
	return o, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	cp := t.Time
	return &cp
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
