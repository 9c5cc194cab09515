// Package batch coalesces fire-and-forget audit rows into bulk inserts.
//
// The order write-path produces three non-critical row types per lifecycle
// step: order_events (audit), notification_outbox (durable notifications)
// and reputation_events. Writing each row individually costs one DB round
// trip per side effect per request; the Writer buffers them and flushes as
// one multi-row INSERT per buffer, either every 50ms or as soon as 500 rows
// accumulate.
//
// Critical rows (balance updates, status changes, ledger entries, offer
// liquidity, corridor settlement) never flow through this package — they
// commit with the order transaction.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/metrics"
)

// Defaults per the write-path contract.
const (
	DefaultFlushInterval = 50 * time.Millisecond
	DefaultMaxBuffer     = 500
)

// OrderEvent is one append-only audit row.
type OrderEvent struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"orderId"`
	EventType string            `json:"eventType"`
	ActorType string            `json:"actorType"`
	ActorID   string            `json:"actorId"`
	OldStatus string            `json:"oldStatus,omitempty"`
	NewStatus string            `json:"newStatus,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notification is one durable outbox row awaiting delivery.
type Notification struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"orderId"`
	EventType   string         `json:"eventType"`
	Payload     map[string]any `json:"payload"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ReputationEvent is one score adjustment, unique per (entity, order, event).
type ReputationEvent struct {
	ID          string            `json:"id"`
	EntityID    string            `json:"entityId"`
	EntityType  string            `json:"entityType"`
	OrderID     string            `json:"orderId"`
	EventType   string            `json:"eventType"`
	ScoreChange int               `json:"scoreChange"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Store persists flushed buffers. Each method receives a full buffer and
// should issue a single multi-row statement.
type Store interface {
	InsertOrderEvents(ctx context.Context, events []OrderEvent) error
	InsertNotifications(ctx context.Context, notifications []Notification) error
	InsertReputationEvents(ctx context.Context, events []ReputationEvent) error
}

// Writer is the in-process coalescer. Enqueue methods never block on the
// database and never return errors; flush failures are logged (the outbox
// worker and audit trail provide the recovery surface).
type Writer struct {
	store         Store
	logger        *slog.Logger
	flushInterval time.Duration
	maxBuffer     int

	mu     sync.Mutex
	events []OrderEvent
	notifs []Notification
	reps   []ReputationEvent
	timer  *time.Timer
	closed bool

	inflight sync.WaitGroup
	nowFn    func() time.Time
}

// Option configures the writer.
type Option func(*Writer)

// WithFlushInterval overrides the 50ms flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) { w.flushInterval = d }
}

// WithMaxBuffer overrides the 500-row flush trigger.
func WithMaxBuffer(n int) Option {
	return func(w *Writer) { w.maxBuffer = n }
}

// NewWriter creates a batch writer.
func NewWriter(store Store, logger *slog.Logger, opts ...Option) *Writer {
	w := &Writer{
		store:         store,
		logger:        logger,
		flushInterval: DefaultFlushInterval,
		maxBuffer:     DefaultMaxBuffer,
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnqueueOrderEvent buffers an audit row.
func (w *Writer) EnqueueOrderEvent(evt OrderEvent) {
	if evt.ID == "" {
		evt.ID = idgen.WithPrefix("evt_")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = w.nowFn()
	}
	w.mu.Lock()
	w.events = append(w.events, evt)
	w.afterAppendLocked()
}

// EnqueueNotification buffers a durable outbox row.
func (w *Writer) EnqueueNotification(n Notification) {
	if n.ID == "" {
		n.ID = idgen.WithPrefix("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = w.nowFn()
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 5
	}
	w.mu.Lock()
	w.notifs = append(w.notifs, n)
	w.afterAppendLocked()
}

// EnqueueReputationEvent buffers a score adjustment.
func (w *Writer) EnqueueReputationEvent(r ReputationEvent) {
	if r.ID == "" {
		r.ID = idgen.WithPrefix("rep_")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = w.nowFn()
	}
	w.mu.Lock()
	w.reps = append(w.reps, r)
	w.afterAppendLocked()
}

// afterAppendLocked flushes when the cap is hit, otherwise arms the one-shot
// timer. Releases w.mu.
func (w *Writer) afterAppendLocked() {
	if w.closed {
		// Shutdown already drained; write straight through.
		events, notifs, reps := w.swapLocked()
		w.mu.Unlock()
		w.write(context.Background(), events, notifs, reps)
		return
	}

	total := len(w.events) + len(w.notifs) + len(w.reps)
	if total >= w.maxBuffer {
		events, notifs, reps := w.swapLocked()
		w.mu.Unlock()
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.write(context.Background(), events, notifs, reps)
		}()
		return
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.flushInterval, w.timedFlush)
	}
	w.mu.Unlock()
}

func (w *Writer) timedFlush() {
	w.mu.Lock()
	events, notifs, reps := w.swapLocked()
	w.mu.Unlock()
	w.inflight.Add(1)
	defer w.inflight.Done()
	w.write(context.Background(), events, notifs, reps)
}

// swapLocked detaches the buffers and disarms the timer. Caller holds w.mu.
func (w *Writer) swapLocked() ([]OrderEvent, []Notification, []ReputationEvent) {
	events, notifs, reps := w.events, w.notifs, w.reps
	w.events, w.notifs, w.reps = nil, nil, nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return events, notifs, reps
}

// Flush synchronously drains the buffers. Called on graceful shutdown.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	events, notifs, reps := w.swapLocked()
	w.mu.Unlock()
	w.write(ctx, events, notifs, reps)
	w.inflight.Wait()
}

// Close drains and marks the writer closed; later enqueues write through.
func (w *Writer) Close(ctx context.Context) {
	w.mu.Lock()
	w.closed = true
	events, notifs, reps := w.swapLocked()
	w.mu.Unlock()
	w.write(ctx, events, notifs, reps)
	w.inflight.Wait()
}

// write issues the three bulk inserts in parallel.
func (w *Writer) write(ctx context.Context, events []OrderEvent, notifs []Notification, reps []ReputationEvent) {
	if len(events) == 0 && len(notifs) == 0 && len(reps) == 0 {
		return
	}

	start := time.Now()
	var wg sync.WaitGroup

	if len(events) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.store.InsertOrderEvents(ctx, events); err != nil {
				w.logger.Warn("batch insert order_events failed", "rows", len(events), "error", err)
				return
			}
			metrics.BatchFlushRows.WithLabelValues("order_events").Observe(float64(len(events)))
		}()
	}
	if len(notifs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.store.InsertNotifications(ctx, notifs); err != nil {
				w.logger.Warn("batch insert notification_outbox failed", "rows", len(notifs), "error", err)
				return
			}
			metrics.BatchFlushRows.WithLabelValues("notification_outbox").Observe(float64(len(notifs)))
		}()
	}
	if len(reps) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.store.InsertReputationEvents(ctx, reps); err != nil {
				w.logger.Warn("batch insert reputation_events failed", "rows", len(reps), "error", err)
				return
			}
			metrics.BatchFlushRows.WithLabelValues("reputation_events").Observe(float64(len(reps)))
		}()
	}

	wg.Wait()
	metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
}
