package orders

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func advanceClock(svc *Service, d time.Duration) {
	base := time.Now()
	svc.nowFn = func() time.Time { return base.Add(d) }
}

func TestSweepExpired_PendingBecomesExpired(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	order := createTestOrder(t, svc)

	advanceClock(svc, PendingWindow+time.Minute)
	n, err := svc.SweepExpired(context.Background(), 20)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}

	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.Status != StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	if got.CancelledBy != ActorSystem {
		t.Errorf("cancelled_by %s", got.CancelledBy)
	}
	offer, _ := store.GetOffer(context.Background(), "off_1")
	if offer.AvailableAmount != "1000" {
		t.Errorf("expected liquidity restored, got %s", offer.AvailableAmount)
	}
	stats := store.TradeStats(ActorUser, "usr_1")
	if stats["expired"] != 1 {
		t.Errorf("stats %v", stats)
	}
}

func TestSweepExpired_EscrowedRoutesToDispute(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	seedBalance(store, ActorMerchant, "mch_1", "500")
	order := createTestOrder(t, svc)
	lockTestEscrow(t, svc, order.ID, Actor{Type: ActorMerchant, ID: "mch_1"})

	advanceClock(svc, ActivityWindow+time.Minute)
	if _, err := svc.SweepExpired(context.Background(), 20); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.Status != StatusDisputed {
		t.Errorf("escrow-locked order must route to disputed, got %s", got.Status)
	}
	// The sweep never touches locked funds.
	bal, _ := store.Book().Get(ActorMerchant, "mch_1")
	if bal.USDTBalance != "400" {
		t.Errorf("sweep moved escrowed funds: %s", bal.USDTBalance)
	}
	// A system dispute exists so the resolution flow can proceed.
	d, err := store.GetDispute(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("expected system dispute: %v", err)
	}
	if d.OpenedByType != ActorSystem {
		t.Errorf("dispute opened by %s", d.OpenedByType)
	}

	// A disputed order never re-enters the sweep.
	n, err := svc.SweepExpired(context.Background(), 20)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("disputed order swept again: %d", n)
	}
}

func TestSweepExpired_AcceptedBecomesCancelled(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	order := createTestOrder(t, svc)
	if _, err := svc.Transition(context.Background(), TransitionRequest{
		OrderID: order.ID,
		To:      StatusAccepted,
		Actor:   Actor{Type: ActorUser, ID: "usr_1"},
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	advanceClock(svc, ActivityWindow+time.Minute)
	if _, err := svc.SweepExpired(context.Background(), 20); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.CancellationReason != "activity window breached" {
		t.Errorf("reason %q", got.CancellationReason)
	}
	offer, _ := store.GetOffer(context.Background(), "off_1")
	if offer.AvailableAmount != "1000" {
		t.Errorf("expected liquidity restored, got %s", offer.AvailableAmount)
	}
}

func TestSweepExpired_RespectsLimit(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	for i := 0; i < 3; i++ {
		createTestOrder(t, svc)
	}

	advanceClock(svc, PendingWindow+time.Minute)
	n, err := svc.SweepExpired(context.Background(), 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	n, err = svc.SweepExpired(context.Background(), 2)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}
}

func TestSweepExpired_FreshOrdersUntouched(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	order := createTestOrder(t, svc)

	n, err := svc.SweepExpired(context.Background(), 20)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("swept %d fresh orders", n)
	}
	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.Status != StatusPending {
		t.Errorf("fresh order mutated: %s", got.Status)
	}
}

func TestExpiryWorker_StartStopAndHeartbeat(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	order := createTestOrder(t, svc)
	advanceClock(svc, PendingWindow+time.Minute)

	dir := t.TempDir()
	w := NewExpiryWorker(svc, testLogger(),
		WithExpiryInterval(5*time.Millisecond),
		WithExpiryHeartbeatDir(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.GetOrder(context.Background(), order.ID)
		if got.Status == StatusExpired {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not expire the order in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "expiry-worker.heartbeat")); err != nil {
		t.Errorf("heartbeat file missing: %v", err)
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	if w.Running() {
		t.Error("worker still reports running")
	}
}
