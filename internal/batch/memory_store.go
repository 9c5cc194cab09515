package batch

import (
	"context"
	"sync"
)

// NotificationSink receives flushed notifications so the in-memory outbox
// store sees the same rows the Postgres path would.
type NotificationSink interface {
	AddNotifications(notifications []Notification)
}

// MemoryStore implements Store for demo mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []OrderEvent
	reps   []ReputationEvent
	seen   map[string]bool // entity_id|order_id|event_type dedupe

	sink NotificationSink // optional
}

// NewMemoryStore creates an in-memory batch store. sink may be nil.
func NewMemoryStore(sink NotificationSink) *MemoryStore {
	return &MemoryStore{
		seen: make(map[string]bool),
		sink: sink,
	}
}

func (m *MemoryStore) InsertOrderEvents(ctx context.Context, events []OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) InsertNotifications(ctx context.Context, notifications []Notification) error {
	if m.sink != nil {
		m.sink.AddNotifications(notifications)
	}
	return nil
}

func (m *MemoryStore) InsertReputationEvents(ctx context.Context, events []ReputationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range events {
		k := r.EntityID + "|" + r.OrderID + "|" + r.EventType
		if m.seen[k] {
			continue
		}
		m.seen[k] = true
		m.reps = append(m.reps, r)
	}
	return nil
}

// OrderEvents returns a copy of the buffered audit rows.
func (m *MemoryStore) OrderEvents() []OrderEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ReputationEvents returns a copy of the buffered reputation rows.
func (m *MemoryStore) ReputationEvents() []ReputationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReputationEvent, len(m.reps))
	copy(out, m.reps)
	return out
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
