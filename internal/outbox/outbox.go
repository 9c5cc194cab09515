// Package outbox provides the durable notification queue and its drain worker.
//
// Rows are written on the order write-path (via the batch writer) inside the
// request flow and drained here with at-least-once semantics. The inline
// realtime publish is the primary delivery; this worker is the audit-and-
// retry substrate. A concrete downstream (HTTP, queue) plugs in through
// DeliverFunc with unchanged retry semantics.
package outbox

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("notification not found")

// Status is the delivery state of an outbox row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Defaults for the drain worker.
const (
	DefaultMaxAttempts   = 5
	DefaultRetryWindow   = 30 * time.Second
	DefaultSentRetention = 7 * 24 * time.Hour
)

// Record is one durable notification row.
type Record struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"orderId"`
	EventType     string         `json:"eventType"`
	Payload       map[string]any `json:"payload"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"maxAttempts"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	SentAt        *time.Time     `json:"sentAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Store persists outbox rows.
//
// Claim must atomically move up to limit eligible rows to processing and
// stamp last_attempt_at, using skip-locked semantics so multiple workers can
// drain concurrently. A row is eligible when status is pending or failed,
// attempts < max_attempts, and the last attempt is older than retryWindow.
type Store interface {
	Claim(ctx context.Context, limit int, retryWindow time.Duration) ([]*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, deliveryErr string) error
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
