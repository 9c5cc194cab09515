package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore writes flushed buffers with one multi-row INSERT each.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed batch store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertOrderEvents(ctx context.Context, events []OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO order_events
		(id, order_id, event_type, actor_type, actor_id, old_status, new_status, metadata, created_at) VALUES `)
	args := make([]any, 0, len(events)*9)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		metaJSON, _ := json.Marshal(e.Metadata)
		if e.Metadata == nil {
			metaJSON = []byte("{}")
		}
		args = append(args, e.ID, e.OrderID, e.EventType, e.ActorType, e.ActorID,
			nullString(e.OldStatus), nullString(e.NewStatus), metaJSON, e.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

func (s *PostgresStore) InsertNotifications(ctx context.Context, notifications []Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO notification_outbox
		(id, order_id, event_type, payload, status, attempts, max_attempts, created_at) VALUES `)
	args := make([]any, 0, len(notifications)*8)
	for i, n := range notifications {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, 'pending', 0, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)
		payloadJSON, _ := json.Marshal(n.Payload)
		if n.Payload == nil {
			payloadJSON = []byte("{}")
		}
		args = append(args, n.ID, n.OrderID, n.EventType, payloadJSON, n.MaxAttempts, n.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

func (s *PostgresStore) InsertReputationEvents(ctx context.Context, events []ReputationEvent) error {
	if len(events) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO reputation_events
		(id, entity_id, entity_type, order_id, event_type, score_change, reason, metadata, created_at) VALUES `)
	args := make([]any, 0, len(events)*9)
	for i, r := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		metaJSON, _ := json.Marshal(r.Metadata)
		if r.Metadata == nil {
			metaJSON = []byte("{}")
		}
		args = append(args, r.ID, r.EntityID, r.EntityType, r.OrderID, r.EventType,
			r.ScoreChange, r.Reason, metaJSON, r.CreatedAt)
	}
	// One score adjustment per (entity, order, event); replays are dropped.
	sb.WriteString(" ON CONFLICT (entity_id, order_id, event_type) DO NOTHING")
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
