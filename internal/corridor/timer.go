package corridor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/peermint/settlement/internal/retry"
)

// TimeoutWorker periodically fails and refunds overdue fulfillments.
type TimeoutWorker struct {
	service      *Service
	logger       *slog.Logger
	interval     time.Duration
	batchSize    int
	heartbeatDir string

	stop    chan struct{}
	running atomic.Bool
	backoff retry.Backoff
	nowFn   func() time.Time
}

// TimeoutOption configures the worker.
type TimeoutOption func(*TimeoutWorker)

// WithTimeoutInterval overrides the 60s poll cadence.
func WithTimeoutInterval(d time.Duration) TimeoutOption {
	return func(w *TimeoutWorker) { w.interval = d }
}

// WithTimeoutBatchSize overrides the 10-row sweep limit.
func WithTimeoutBatchSize(n int) TimeoutOption {
	return func(w *TimeoutWorker) { w.batchSize = n }
}

// WithTimeoutHeartbeatDir enables per-cycle heartbeat files in dir.
func WithTimeoutHeartbeatDir(dir string) TimeoutOption {
	return func(w *TimeoutWorker) { w.heartbeatDir = dir }
}

// NewTimeoutWorker creates the corridor timeout worker.
func NewTimeoutWorker(service *Service, logger *slog.Logger, opts ...TimeoutOption) *TimeoutWorker {
	w := &TimeoutWorker{
		service:   service,
		logger:    logger,
		interval:  60 * time.Second,
		batchSize: 10,
		stop:      make(chan struct{}),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.backoff = retry.Backoff{Base: w.interval, Max: 5 * time.Minute}
	return w
}

// Running reports whether the sweep loop is actively running.
func (w *TimeoutWorker) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *TimeoutWorker) Start(ctx context.Context) {
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
			timer.Reset(w.safeSweep(ctx))
		}
	}
}

// Stop signals the worker to stop.
func (w *TimeoutWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *TimeoutWorker) safeSweep(ctx context.Context) (delay time.Duration) {
	delay = w.interval
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in corridor timeout worker", "panic", fmt.Sprint(r))
		}
	}()

	w.writeHeartbeat()

	if _, err := w.service.SweepTimeouts(ctx, w.batchSize); err != nil {
		delay = w.backoff.Next()
		w.logger.Warn("corridor timeout sweep failed", "error", err, "nextPoll", delay)
		return delay
	}
	w.backoff.Reset()
	return delay
}

func (w *TimeoutWorker) writeHeartbeat() {
	if w.heartbeatDir == "" {
		return
	}
	path := filepath.Join(w.heartbeatDir, "corridor-worker.heartbeat")
	ts := strconv.FormatInt(w.nowFn().Unix(), 10)
	if err := os.WriteFile(path, []byte(ts+"\n"), 0o644); err != nil {
		w.logger.Debug("failed to write heartbeat file", "path", path, "error", err)
	}
}
