package orders

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/metrics"
	"github.com/peermint/settlement/internal/retry"
)

// ExpiryWorker sweeps orders whose expires_at has passed. Unaccepted pending
// orders expire; escrow-locked orders route to disputed for human resolution
// (the sweep never silently refunds); everything else cancels.
type ExpiryWorker struct {
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

// ExpiryOption configures the worker.
type ExpiryOption func(*ExpiryWorker)

// WithExpiryInterval overrides the 10s poll cadence.
func WithExpiryInterval(d time.Duration) ExpiryOption {
	return func(w *ExpiryWorker) { w.interval = d }
}

// WithExpiryBatchSize overrides the 20-row sweep limit.
func WithExpiryBatchSize(n int) ExpiryOption {
	return func(w *ExpiryWorker) { w.batchSize = n }
}

// WithExpiryHeartbeatDir enables per-cycle heartbeat files in dir.
func WithExpiryHeartbeatDir(dir string) ExpiryOption {
	return func(w *ExpiryWorker) { w.heartbeatDir = dir }
}

// NewExpiryWorker creates the expiry sweep worker.
func NewExpiryWorker(service *Service, logger *slog.Logger, opts ...ExpiryOption) *ExpiryWorker {
	w := &ExpiryWorker{
		service:   service,
		logger:    logger,
		interval:  10 * time.Second,
		batchSize: 20,
		stop:      make(chan struct{}),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.backoff = retry.Backoff{Base: w.interval, Max: 60 * time.Second}
	return w
}

// Running reports whether the sweep loop is actively running.
func (w *ExpiryWorker) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
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
func (w *ExpiryWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *ExpiryWorker) safeSweep(ctx context.Context) (delay time.Duration) {
	delay = w.interval
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in expiry worker", "panic", fmt.Sprint(r))
		}
	}()

	w.writeHeartbeat()

	if _, err := w.service.SweepExpired(ctx, w.batchSize); err != nil {
		delay = w.backoff.Next()
		w.logger.Warn("expiry sweep failed", "error", err, "nextPoll", delay)
		return delay
	}
	w.backoff.Reset()
	return delay
}

func (w *ExpiryWorker) writeHeartbeat() {
	if w.heartbeatDir == "" {
		return
	}
	path := filepath.Join(w.heartbeatDir, "expiry-worker.heartbeat")
	ts := strconv.FormatInt(w.nowFn().Unix(), 10)
	if err := os.WriteFile(path, []byte(ts+"\n"), 0o644); err != nil {
		w.logger.Debug("failed to write heartbeat file", "path", path, "error", err)
	}
}

// sweptOrder pairs a processed order with its pre-sweep status for the
// post-commit fan-out.
type sweptOrder struct {
	order *Order
	from  Status
}

// SweepExpired processes up to limit expired orders in one transaction and
// returns how many were handled. Exposed for the worker and for the
// on-demand batch-expire endpoint.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 20
	}

	var swept []sweptOrder
	err := s.store.WithTx(ctx, func(tx Tx) error {
		expired, err := tx.ListExpiredForUpdate(ctx, s.nowFn(), limit)
		if err != nil {
			return err
		}
		for _, o := range expired {
			from := o.Status
			if err := s.expireOne(ctx, tx, o); err != nil {
				return err
			}
			swept = append(swept, sweptOrder{order: o, from: from})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, sw := range swept {
		o := sw.order
		metrics.ExpirySweepsTotal.WithLabelValues(string(o.Status)).Inc()
		s.afterCommit(o, sw.from, o.Status, Actor{Type: ActorSystem, ID: "expiry-worker"},
			TransitionEventType(sw.from, o.Status), notificationEventType(o.Status),
			map[string]string{"sweep": "expiry"})
		s.logger.Info("expired order processed",
			"orderId", o.ID, "from", sw.from, "to", o.Status)
	}
	return len(swept), nil
}

// expireOne routes a single expired order to its outcome.
func (s *Service) expireOne(ctx context.Context, tx Tx, o *Order) error {
	now := s.nowFn()
	from := o.Status

	switch {
	case o.Status == StatusPending:
		o.Status = StatusExpired
		o.CancelledAt = &now
		o.CancelledBy = ActorSystem
		o.CancellationReason = "not accepted within window"
	case o.EscrowTxHash != "":
		// Funds are locked; a human must resolve. Never silently refund.
		o.Status = StatusDisputed
		if _, err := tx.GetDisputeForUpdate(ctx, o.ID); err == ErrDisputeNotFound {
			if err := tx.InsertDispute(ctx, &Dispute{
				ID:           idgen.WithPrefix("dsp_"),
				OrderID:      o.ID,
				OpenedByType: ActorSystem,
				OpenedByID:   "expiry-worker",
				Reason:       "activity window breached with escrow locked",
				Status:       DisputeStatusOpen,
				OpenedAt:     now,
				UpdatedAt:    now,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	default:
		o.Status = StatusCancelled
		o.CancelledAt = &now
		o.CancelledBy = ActorSystem
		o.CancellationReason = "activity window breached"
	}
	o.UpdatedAt = now

	if ShouldRestoreLiquidity(from, o.Status) {
		if err := tx.RestoreOfferLiquidity(ctx, o.OfferID, o.CryptoAmount); err != nil {
			return err
		}
	}
	if IsTerminalStatus(o.Status) {
		if err := s.bumpTradeStats(ctx, tx, o, o.Status); err != nil {
			return err
		}
	}
	return tx.UpdateOrder(ctx, o)
}
