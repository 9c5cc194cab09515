package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists outbox rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, order_id, event_type, payload, status, attempts, max_attempts,
	       last_attempt_at, last_error, sent_at, created_at`

// Claim moves up to limit eligible rows to processing. The inner SELECT uses
// FOR UPDATE SKIP LOCKED so parallel workers never contend on the same rows.
func (p *PostgresStore) Claim(ctx context.Context, limit int, retryWindow time.Duration) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE notification_outbox SET
			status = 'processing',
			last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE status IN ('pending', 'failed')
			  AND attempts < max_attempts
			  AND (last_attempt_at IS NULL OR last_attempt_at < NOW() - $2::interval)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recordColumns,
		limit, retryWindow.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM notification_outbox WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) MarkSent(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification_outbox SET
			status = 'sent',
			sent_at = NOW(),
			last_error = NULL
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// MarkFailed increments attempts; the row stays retryable (pending) until
// attempts reach max_attempts, then parks as failed.
func (p *PostgresStore) MarkFailed(ctx context.Context, id string, deliveryErr string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification_outbox SET
			attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id, deliveryErr)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM notification_outbox
		WHERE status = 'sent' AND sent_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM notification_outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		payloadJSON   []byte
		status        string
		lastAttemptAt sql.NullTime
		lastError     sql.NullString
		sentAt        sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.OrderID, &r.EventType, &payloadJSON, &status, &r.Attempts, &r.MaxAttempts,
		&lastAttemptAt, &lastError, &sentAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.LastError = lastError.String
	if lastAttemptAt.Valid {
		r.LastAttemptAt = &lastAttemptAt.Time
	}
	if sentAt.Valid {
		r.SentAt = &sentAt.Time
	}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &r.Payload)
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
