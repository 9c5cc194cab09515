package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingStore captures flushed buffers and counts flush calls.
type recordingStore struct {
	mu      sync.Mutex
	events  []OrderEvent
	notifs  []Notification
	reps    []ReputationEvent
	flushes int
	fail    bool
}

func (r *recordingStore) InsertOrderEvents(ctx context.Context, events []OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("insert failed")
	}
	r.events = append(r.events, events...)
	r.flushes++
	return nil
}

func (r *recordingStore) InsertNotifications(ctx context.Context, notifications []Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifs = append(r.notifs, notifications...)
	return nil
}

func (r *recordingStore) InsertReputationEvents(ctx context.Context, events []ReputationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reps = append(r.reps, events...)
	return nil
}

func (r *recordingStore) snapshot() (int, int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events), len(r.notifs), len(r.reps), r.flushes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriter_TimedFlushCoalesces(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, testLogger(), WithFlushInterval(20*time.Millisecond))

	for i := 0; i < 5; i++ {
		w.EnqueueOrderEvent(OrderEvent{OrderID: "ord_1", EventType: "ORDER_CREATED"})
	}

	deadline := time.Now().Add(time.Second)
	for {
		if n, _, _, flushes := store.snapshot(); n == 5 {
			if flushes != 1 {
				t.Fatalf("flushes = %d, want 1 coalesced write", flushes)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriter_MaxBufferTriggersImmediateFlush(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, testLogger(), WithFlushInterval(time.Hour), WithMaxBuffer(3))

	w.EnqueueOrderEvent(OrderEvent{OrderID: "ord_1", EventType: "A"})
	w.EnqueueNotification(Notification{OrderID: "ord_1", EventType: "A"})
	w.EnqueueReputationEvent(ReputationEvent{EntityID: "usr_1", OrderID: "ord_1", EventType: "A"})

	deadline := time.Now().Add(time.Second)
	for {
		e, n, r, _ := store.snapshot()
		if e == 1 && n == 1 && r == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cap-triggered flush missing: events=%d notifs=%d reps=%d", e, n, r)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriter_FillsDefaults(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, testLogger())

	w.EnqueueNotification(Notification{OrderID: "ord_1", EventType: "ORDER_COMPLETED"})
	w.Flush(context.Background())

	if len(store.notifs) != 1 {
		t.Fatalf("notifs = %d", len(store.notifs))
	}
	n := store.notifs[0]
	if n.ID == "" || n.CreatedAt.IsZero() || n.MaxAttempts != 5 {
		t.Fatalf("defaults not applied: %+v", n)
	}
}

func TestWriter_FlushDrainsSynchronously(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, testLogger(), WithFlushInterval(time.Hour))

	w.EnqueueOrderEvent(OrderEvent{OrderID: "ord_1", EventType: "A"})
	w.EnqueueReputationEvent(ReputationEvent{EntityID: "mch_1", OrderID: "ord_1", EventType: "B"})
	w.Flush(context.Background())

	e, _, r, _ := store.snapshot()
	if e != 1 || r != 1 {
		t.Fatalf("after Flush: events=%d reps=%d", e, r)
	}
}

func TestWriter_EnqueueAfterCloseWritesThrough(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, testLogger(), WithFlushInterval(time.Hour))
	w.Close(context.Background())

	w.EnqueueOrderEvent(OrderEvent{OrderID: "ord_late", EventType: "A"})

	e, _, _, _ := store.snapshot()
	if e != 1 {
		t.Fatalf("late enqueue not written through, events = %d", e)
	}
}

func TestWriter_InsertFailureDoesNotPanic(t *testing.T) {
	store := &recordingStore{fail: true}
	w := NewWriter(store, testLogger(), WithFlushInterval(time.Hour))

	w.EnqueueOrderEvent(OrderEvent{OrderID: "ord_1", EventType: "A"})
	w.Flush(context.Background()) // failure is logged, not returned
}
