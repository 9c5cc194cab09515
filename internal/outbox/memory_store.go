package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/peermint/settlement/internal/batch"
)

// MemoryStore implements Store for demo mode and tests. It also satisfies
// batch.NotificationSink so flushed notifications land here directly.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string // insertion order, stands in for ORDER BY created_at
	nowFn   func() time.Time
}

// NewMemoryStore creates an in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		nowFn:   time.Now,
	}
}

// AddNotifications ingests rows from a batch flush.
func (m *MemoryStore) AddNotifications(notifications []batch.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range notifications {
		if _, ok := m.records[n.ID]; ok {
			continue
		}
		m.records[n.ID] = &Record{
			ID:          n.ID,
			OrderID:     n.OrderID,
			EventType:   n.EventType,
			Payload:     n.Payload,
			Status:      StatusPending,
			MaxAttempts: n.MaxAttempts,
			CreatedAt:   n.CreatedAt,
		}
		m.order = append(m.order, n.ID)
	}
}

func (m *MemoryStore) Claim(ctx context.Context, limit int, retryWindow time.Duration) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	var claimed []*Record
	for _, id := range m.order {
		if len(claimed) >= limit {
			break
		}
		r := m.records[id]
		if r.Status != StatusPending && r.Status != StatusFailed {
			continue
		}
		if r.Attempts >= r.MaxAttempts {
			continue
		}
		if r.LastAttemptAt != nil && now.Sub(*r.LastAttemptAt) < retryWindow {
			continue
		}
		r.Status = StatusProcessing
		attemptAt := now
		r.LastAttemptAt = &attemptAt
		claimed = append(claimed, copyRecord(r))
	}
	return claimed, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) MarkSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusSent
	sentAt := m.nowFn()
	r.SentAt = &sentAt
	r.LastError = ""
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, deliveryErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Attempts++
	r.LastError = deliveryErr
	if r.Attempts >= r.MaxAttempts {
		r.Status = StatusFailed
	} else {
		r.Status = StatusPending
	}
	return nil
}

func (m *MemoryStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	kept := m.order[:0]
	for _, id := range m.order {
		r := m.records[id]
		if r.Status == StatusSent && r.SentAt != nil && r.SentAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return deleted, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int)
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if r.SentAt != nil {
		t := *r.SentAt
		cp.SentAt = &t
	}
	return &cp
}

// Compile-time assertions.
var (
	_ Store                  = (*MemoryStore)(nil)
	_ batch.NotificationSink = (*MemoryStore)(nil)
)
