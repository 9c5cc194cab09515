package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/peermint/settlement/internal/metrics"
	"github.com/peermint/settlement/internal/retry"
)

// DeliverFunc pushes one claimed record downstream. Returning an error marks
// the row failed and schedules a retry.
type DeliverFunc func(ctx context.Context, r *Record) error

// Worker drains the outbox on a fixed cadence with at-least-once delivery.
type Worker struct {
	store        Store
	deliver      DeliverFunc
	logger       *slog.Logger
	interval     time.Duration
	batchSize    int
	retryWindow  time.Duration
	heartbeatDir string

	stop    chan struct{}
	running atomic.Bool

	backoff     retry.Backoff
	lastCleanup time.Time
	nowFn       func() time.Time
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithInterval overrides the 5s poll cadence.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.interval = d }
}

// WithBatchSize overrides the 50-row claim limit.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) { w.batchSize = n }
}

// WithRetryWindow overrides the 30s minimum gap between delivery attempts.
func WithRetryWindow(d time.Duration) WorkerOption {
	return func(w *Worker) { w.retryWindow = d }
}

// WithHeartbeatDir enables per-cycle heartbeat files in dir.
func WithHeartbeatDir(dir string) WorkerOption {
	return func(w *Worker) { w.heartbeatDir = dir }
}

// NewWorker creates an outbox drain worker. deliver may be nil, in which case
// rows are marked sent without an external push (inline realtime publish is
// the primary delivery path; the outbox is the durable audit trail).
func NewWorker(store Store, deliver DeliverFunc, logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		deliver:     deliver,
		logger:      logger,
		interval:    5 * time.Second,
		batchSize:   50,
		retryWindow: DefaultRetryWindow,
		stop:        make(chan struct{}),
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.backoff = retry.Backoff{Base: w.interval, Max: 60 * time.Second}
	return w
}

// Running reports whether the drain loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the drain loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-timer.C:
			delay := w.safeCycle(ctx)
			timer.Reset(delay)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

// safeCycle runs one drain cycle and returns the delay before the next one.
// Database errors back the cadence off exponentially up to 60s.
func (w *Worker) safeCycle(ctx context.Context) (delay time.Duration) {
	delay = w.interval
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in outbox worker", "panic", fmt.Sprint(r))
		}
	}()

	w.writeHeartbeat()

	if err := w.drain(ctx); err != nil {
		delay = w.backoff.Next()
		w.logger.Warn("outbox drain cycle failed", "error", err, "nextPoll", delay)
		return delay
	}
	w.backoff.Reset()

	w.maybeCleanup(ctx)
	return delay
}

func (w *Worker) drain(ctx context.Context) error {
	records, err := w.store.Claim(ctx, w.batchSize, w.retryWindow)
	if err != nil {
		return err
	}

	for _, record := range records {
		// A concurrent marker may have finished this row between claim and
		// here; delivery is idempotent either way, but skip the obvious case.
		if record.Status == StatusSent {
			continue
		}

		if err := w.deliverOne(ctx, record); err != nil {
			metrics.OutboxDeliveriesTotal.WithLabelValues("failure").Inc()
			if markErr := w.store.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
				w.logger.Warn("failed to mark notification failed",
					"notificationId", record.ID, "error", markErr)
			}
			w.logger.Warn("notification delivery failed",
				"notificationId", record.ID,
				"orderId", record.OrderID,
				"eventType", record.EventType,
				"attempt", record.Attempts+1,
				"error", err,
			)
			continue
		}

		if err := w.store.MarkSent(ctx, record.ID); err != nil {
			w.logger.Warn("failed to mark notification sent",
				"notificationId", record.ID, "error", err)
			continue
		}
		metrics.OutboxDeliveriesTotal.WithLabelValues("success").Inc()
	}

	if len(records) > 0 {
		w.logger.Debug("outbox drain cycle complete", "claimed", len(records))
	}
	return nil
}

func (w *Worker) deliverOne(ctx context.Context, record *Record) error {
	if w.deliver == nil {
		return nil
	}
	return w.deliver(ctx, record)
}

// maybeCleanup deletes sent rows older than the retention window, at most
// once per hour.
func (w *Worker) maybeCleanup(ctx context.Context) {
	now := w.nowFn()
	if now.Sub(w.lastCleanup) < time.Hour {
		return
	}
	w.lastCleanup = now

	deleted, err := w.store.DeleteSentBefore(ctx, now.Add(-DefaultSentRetention))
	if err != nil {
		w.logger.Warn("outbox cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("outbox cleanup removed sent notifications", "deleted", deleted)
	}
}

// writeHeartbeat touches a per-worker file so external liveness probes can
// watch the mtime.
func (w *Worker) writeHeartbeat() {
	if w.heartbeatDir == "" {
		return
	}
	path := filepath.Join(w.heartbeatDir, "outbox-worker.heartbeat")
	ts := strconv.FormatInt(w.nowFn().Unix(), 10)
	if err := os.WriteFile(path, []byte(ts+"\n"), 0o644); err != nil {
		w.logger.Debug("failed to write heartbeat file", "path", path, "error", err)
	}
}
