package corridor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/peermint/settlement/internal/batch"
	"github.com/peermint/settlement/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// notificationSink collects flushed outbox rows.
type notificationSink struct {
	rows []batch.Notification
}

func (s *notificationSink) AddNotifications(notifications []batch.Notification) {
	s.rows = append(s.rows, notifications...)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *notificationSink) {
	t.Helper()
	store := NewMemoryStore(nil)
	sink := &notificationSink{}
	writer := batch.NewWriter(batch.NewMemoryStore(sink), testLogger())
	svc := NewService(store, writer, testLogger())
	t.Cleanup(func() { writer.Close(context.Background()) })
	return svc, store, sink
}

func seedLP(store *MemoryStore, merchantID, feePct, rating string) {
	store.SeedProvider(&Provider{
		MerchantID:    merchantID,
		Active:        true,
		FeePercentage: feePct,
		Rating:        rating,
	})
}

func seedSAED(store *MemoryStore, entityType, entityID string, fils int64) {
	store.Book().Seed(entityType, entityID, ledger.AssetSAED, big.NewInt(fils))
}

func TestMatch_LocksFiatPlusFee(t *testing.T) {
	svc, store, sink := newTestService(t)
	seedLP(store, "lp_1", "2", "")
	seedSAED(store, "user", "usr_b", 50000)

	f, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "36700",
		Exclude:         []string{"mch_seller"},
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	// 2% of 36700 fils rounds to 734; lock = 37434.
	if f.CorridorFee != "734" {
		t.Errorf("fee %s", f.CorridorFee)
	}
	if f.SAEDAmountLocked != "37434" {
		t.Errorf("locked %s", f.SAEDAmountLocked)
	}
	if f.ProviderStatus != FulfillmentPending {
		t.Errorf("status %s", f.ProviderStatus)
	}
	if f.SendDeadline.Sub(f.AssignedAt) != SendDeadline {
		t.Errorf("deadline window %v", f.SendDeadline.Sub(f.AssignedAt))
	}

	bal, _ := store.Book().Get("user", "usr_b")
	if bal.SINRBalance != "12566" {
		t.Errorf("buyer sAED %s, expected 50000-37434", bal.SINRBalance)
	}

	entries := store.Book().EntriesByOrder("ord_x")
	if len(entries) != 1 || entries[0].EntryType != ledger.EntryCorridorSAEDLock {
		t.Fatalf("expected one CORRIDOR_SAED_LOCK entry, got %v", entries)
	}
	if entries[0].Amount != "-37434" {
		t.Errorf("lock entry amount %s", entries[0].Amount)
	}

	svc.writer.Flush(context.Background())
	var assigned bool
	for _, n := range sink.rows {
		if n.EventType == EventAssignment && n.OrderID == "ord_x" {
			assigned = true
		}
	}
	if !assigned {
		t.Error("expected a CORRIDOR_ASSIGNMENT notification")
	}
}

func TestMatch_PicksCheapestFeeThenRating(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedLP(store, "lp_pricey", "5", "4.9")
	seedLP(store, "lp_cheap_low", "2", "3.0")
	seedLP(store, "lp_cheap_high", "2", "4.5")
	seedSAED(store, "user", "usr_b", 100000)

	f, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "10000",
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if f.ProviderMerchantID != "lp_cheap_high" {
		t.Errorf("expected cheapest fee with best rating, got %s", f.ProviderMerchantID)
	}
}

func TestMatch_ExcludesBuyerAndSeller(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedLP(store, "mch_seller", "1", "")
	seedLP(store, "mch_buyer", "1", "")
	seedSAED(store, "merchant", "mch_buyer", 100000)

	_, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "merchant",
		BuyerEntityID:   "mch_buyer",
		FiatAmount:      "10000",
		Exclude:         []string{"mch_seller", "mch_buyer"},
	})
	if !errors.Is(err, ErrNoLPAvailable) {
		t.Fatalf("expected ErrNoLPAvailable, got %v", err)
	}
}

func TestMatch_SkipsOutOfHoursAndIncapable(t *testing.T) {
	svc, store, _ := newTestService(t)
	hour := time.Now().UTC().Hour()
	closedStart, closedEnd := (hour+2)%24, (hour+3)%24
	store.SeedProvider(&Provider{
		MerchantID:       "lp_closed",
		Active:           true,
		FeePercentage:    "1",
		ServiceStartHour: &closedStart,
		ServiceEndHour:   &closedEnd,
	})
	store.SeedProvider(&Provider{
		MerchantID:    "lp_small",
		Active:        true,
		FeePercentage: "1",
		MaxAmount:     "5000",
	})
	seedLP(store, "lp_open", "3", "")
	seedSAED(store, "user", "usr_b", 100000)

	f, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "10000",
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if f.ProviderMerchantID != "lp_open" {
		t.Errorf("expected lp_open, got %s", f.ProviderMerchantID)
	}
}

func TestMatch_InsufficientSAED(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedLP(store, "lp_1", "2", "")
	seedSAED(store, "user", "usr_b", 37433) // one fil short of 36700+734

	_, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "36700",
	})
	if !errors.Is(err, ErrInsufficientSAED) {
		t.Fatalf("expected ErrInsufficientSAED, got %v", err)
	}
	bal, _ := store.Book().Get("user", "usr_b")
	if bal.SINRBalance != "37433" {
		t.Errorf("balance mutated on failed match: %s", bal.SINRBalance)
	}
}

func TestMatch_BuyerWithoutAccount(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedLP(store, "lp_1", "2", "")

	_, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_ghost",
		FiatAmount:      "10000",
	})
	if !errors.Is(err, ErrBuyerNotFound) {
		t.Fatalf("expected ErrBuyerNotFound, got %v", err)
	}
}

func TestMarkPaymentSent(t *testing.T) {
	svc, store, sink := newTestService(t)
	seedLP(store, "lp_1", "2", "")
	seedSAED(store, "user", "usr_b", 100000)

	f, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "10000",
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	// Only the assigned provider may mark.
	if _, err := svc.MarkPaymentSent(context.Background(), f.ID, "lp_other"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	got, err := svc.MarkPaymentSent(context.Background(), f.ID, "lp_1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got.ProviderStatus != FulfillmentPaymentSent || got.PaymentSentAt == nil {
		t.Errorf("status %s", got.ProviderStatus)
	}

	// A second mark finds the fulfillment no longer pending.
	if _, err := svc.MarkPaymentSent(context.Background(), f.ID, "lp_1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	svc.writer.Flush(context.Background())
	var sent bool
	for _, n := range sink.rows {
		if n.EventType == EventPaymentSent {
			sent = true
		}
	}
	if !sent {
		t.Error("expected a CORRIDOR_PAYMENT_SENT notification")
	}
}

func TestSweepTimeouts_RefundsAndDetaches(t *testing.T) {
	svc, store, sink := newTestService(t)
	seedLP(store, "lp_1", "2", "")
	seedSAED(store, "user", "usr_b", 50000)

	var detached []string
	store.SetOrderHooks(nil, func(orderID string) error {
		detached = append(detached, orderID)
		return nil
	})

	f, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "36700",
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	// Not yet overdue.
	n, err := svc.SweepTimeouts(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d fresh fulfillments", n)
	}

	base := time.Now()
	svc.nowFn = func() time.Time { return base.Add(SendDeadline + time.Second) }
	n, err = svc.SweepTimeouts(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}

	got, _ := store.GetFulfillment(context.Background(), f.ID)
	if got.ProviderStatus != FulfillmentFailed || got.FailedAt == nil {
		t.Errorf("status %s", got.ProviderStatus)
	}
	bal, _ := store.Book().Get("user", "usr_b")
	if bal.SINRBalance != "50000" {
		t.Errorf("expected full refund to 50000, got %s", bal.SINRBalance)
	}
	if len(detached) != 1 || detached[0] != "ord_x" {
		t.Errorf("order not detached: %v", detached)
	}

	// Exactly one lock and one refund entry; never both credit and refund.
	var locks, refunds int
	for _, e := range store.Book().EntriesByOrder("ord_x") {
		switch e.EntryType {
		case ledger.EntryCorridorSAEDLock:
			locks++
		case ledger.EntryCorridorSAEDXfer:
			refunds++
			if e.Amount != "37434" {
				t.Errorf("refund amount %s", e.Amount)
			}
		}
	}
	if locks != 1 || refunds != 1 {
		t.Errorf("entries locks=%d refunds=%d", locks, refunds)
	}

	svc.writer.Flush(context.Background())
	var timedOut bool
	for _, n := range sink.rows {
		if n.EventType == EventTimeout {
			timedOut = true
		}
	}
	if !timedOut {
		t.Error("expected a CORRIDOR_TIMEOUT notification")
	}

	// A failed fulfillment never re-enters the sweep.
	n, err = svc.SweepTimeouts(context.Background(), 10)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("failed fulfillment swept again: %d", n)
	}
}

func TestBridge_CreditsLPOnce(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedLP(store, "lp_1", "2", "")
	seedSAED(store, "user", "usr_b", 50000)
	seedSAED(store, "merchant", "lp_1", 0)

	f, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "36700",
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	if err := store.Bridge(f.ID); err != nil {
		t.Fatalf("bridge: %v", err)
	}
	bal, _ := store.Book().Get("merchant", "lp_1")
	if bal.SINRBalance != "37434" {
		t.Errorf("expected LP credited 37434, got %s", bal.SINRBalance)
	}
	got, _ := store.GetFulfillment(context.Background(), f.ID)
	if got.ProviderStatus != FulfillmentCompleted || got.CompletedAt == nil {
		t.Errorf("status %s", got.ProviderStatus)
	}

	// Bridging an already-completed fulfillment is a no-op.
	if err := store.Bridge(f.ID); err != nil {
		t.Fatalf("second bridge: %v", err)
	}
	bal, _ = store.Book().Get("merchant", "lp_1")
	if bal.SINRBalance != "37434" {
		t.Errorf("double credit on second bridge: %s", bal.SINRBalance)
	}
}

func TestCheckAvailability(t *testing.T) {
	svc, store, _ := newTestService(t)

	got, err := svc.CheckAvailability(context.Background(), "10000", nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got.Available {
		t.Error("expected unavailable with no providers")
	}

	seedLP(store, "lp_1", "2.5", "")
	got, err = svc.CheckAvailability(context.Background(), "10000", nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !got.Available || got.FeePercentage != "2.5" {
		t.Errorf("availability %+v", got)
	}
	if got.CorridorFee != "250" {
		t.Errorf("quoted fee %s", got.CorridorFee)
	}

	// The probe locks nothing and writes nothing.
	list, _ := store.ListFulfillments(context.Background(), ListFilter{})
	if len(list) != 0 {
		t.Errorf("probe created %d fulfillments", len(list))
	}
}

func TestUpsertProvider_FeeCap(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.UpsertProvider(context.Background(), &Provider{
		MerchantID:    "lp_1",
		Active:        true,
		FeePercentage: "12",
	}); err == nil {
		t.Fatal("expected fee cap rejection")
	}

	p, err := svc.UpsertProvider(context.Background(), &Provider{
		MerchantID:    "lp_1",
		Active:        true,
		FeePercentage: "2.5",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.ID == "" {
		t.Error("expected an id")
	}

	// Re-upserting keeps the id stable.
	again, err := svc.UpsertProvider(context.Background(), &Provider{
		MerchantID:    "lp_1",
		Active:        false,
		FeePercentage: "3",
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if again.ID != p.ID {
		t.Errorf("id changed on upsert: %s vs %s", again.ID, p.ID)
	}
	if again.Active {
		t.Error("active flag not updated")
	}
}

func TestTimeoutWorker_StartStop(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedLP(store, "lp_1", "2", "")
	seedSAED(store, "user", "usr_b", 50000)
	f, err := svc.Match(context.Background(), MatchRequest{
		OrderID:         "ord_x",
		BuyerEntityType: "user",
		BuyerEntityID:   "usr_b",
		FiatAmount:      "10000",
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	base := time.Now()
	svc.nowFn = func() time.Time { return base.Add(SendDeadline + time.Second) }

	w := NewTimeoutWorker(svc, testLogger(), WithTimeoutInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.GetFulfillment(context.Background(), f.ID)
		if got.ProviderStatus == FulfillmentFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not fail the fulfillment in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
