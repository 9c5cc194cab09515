package corridor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/peermint/settlement/internal/batch"
	"github.com/peermint/settlement/internal/fils"
	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
	"github.com/peermint/settlement/internal/metrics"
)

// Service implements the corridor engine.
type Service struct {
	store  Store
	writer *batch.Writer
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewService creates the corridor engine. The batch writer receives the
// LP-targeted notifications.
func NewService(store Store, writer *batch.Writer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		writer: writer,
		logger: logger,
		nowFn:  time.Now,
	}
}

// MatchRequest asks for an LP assignment on an order's fiat leg.
type MatchRequest struct {
	OrderID string `json:"orderId" binding:"required"`

	// Buyer whose sAED is locked.
	BuyerEntityType string `json:"buyerEntityType" binding:"required"` // "user" | "merchant"
	BuyerEntityID   string `json:"buyerEntityId" binding:"required"`

	// FiatAmount in fils.
	FiatAmount string `json:"fiatAmount" binding:"required"`

	// Merchants that must not be matched (the order's buyer and seller).
	Exclude []string `json:"exclude"`

	BankDetails map[string]string `json:"bankDetails"`
}

// Match selects the cheapest available LP, locks the buyer's sAED for fiat
// plus fee and links the fulfillment to the order, all in one transaction.
func (s *Service) Match(ctx context.Context, req MatchRequest) (*Fulfillment, error) {
	fiatFils, ok := new(big.Int).SetString(req.FiatAmount, 10)
	if !ok || fiatFils.Sign() <= 0 {
		return nil, fmt.Errorf("invalid fiat amount %q", req.FiatAmount)
	}

	now := s.nowFn()
	var fulfillment *Fulfillment
	err := s.store.WithTx(ctx, func(tx Tx) error {
		provider, err := tx.SelectBestProvider(ctx, fiatFils, req.Exclude, now)
		if err != nil {
			return err
		}

		feeFils, ok := fils.FeeFils(fiatFils, provider.FeePercentage)
		if !ok {
			return fmt.Errorf("invalid fee percentage %q on provider %s", provider.FeePercentage, provider.ID)
		}
		lock := new(big.Int).Add(fiatFils, feeFils)

		debit := new(big.Int).Neg(lock)
		before, after, err := tx.AdjustBalance(ctx, req.BuyerEntityType, req.BuyerEntityID, ledger.AssetSAED, debit)
		if err != nil {
			switch err {
			case ledger.ErrAccountNotFound:
				return ErrBuyerNotFound
			case ledger.ErrInsufficientBalance:
				return ErrInsufficientSAED
			}
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &ledger.Entry{
			AccountType:    req.BuyerEntityType,
			AccountID:      req.BuyerEntityID,
			EntryType:      ledger.EntryCorridorSAEDLock,
			Amount:         debit.String(),
			Asset:          ledger.AssetSAED,
			RelatedOrderID: req.OrderID,
			BalanceBefore:  before.String(),
			BalanceAfter:   after.String(),
			Metadata: map[string]string{
				"providerId":  provider.ID,
				"corridorFee": feeFils.String(),
			},
		}); err != nil {
			return err
		}
		if err := tx.InsertMerchantTransaction(ctx, &ledger.MerchantTransaction{
			MerchantID: provider.MerchantID,
			Kind:       "corridor_assignment",
			Amount:     lock.String(),
			Asset:      ledger.AssetSAED,
			OrderID:    req.OrderID,
		}); err != nil {
			return err
		}

		fulfillment = &Fulfillment{
			ID:                 idgen.WithPrefix("ful_"),
			OrderID:            req.OrderID,
			ProviderID:         provider.ID,
			ProviderMerchantID: provider.MerchantID,
			BuyerEntityType:    req.BuyerEntityType,
			BuyerEntityID:      req.BuyerEntityID,
			SAEDAmountLocked:   lock.String(),
			FiatAmount:         fiatFils.String(),
			CorridorFee:        feeFils.String(),
			BankDetails:        req.BankDetails,
			ProviderStatus:     FulfillmentPending,
			SendDeadline:       now.Add(SendDeadline),
			AssignedAt:         now,
			UpdatedAt:          now,
		}
		if err := tx.InsertFulfillment(ctx, fulfillment); err != nil {
			return err
		}
		return tx.LinkOrder(ctx, req.OrderID, fulfillment.ID)
	})
	if err != nil {
		metrics.CorridorMatchesTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	metrics.CorridorMatchesTotal.WithLabelValues("success").Inc()
	s.notify(fulfillment, EventAssignment)
	s.logger.Info("corridor LP matched",
		"orderId", fulfillment.OrderID,
		"fulfillmentId", fulfillment.ID,
		"providerMerchantId", fulfillment.ProviderMerchantID,
		"locked", fulfillment.SAEDAmountLocked)
	return fulfillment, nil
}

// MarkPaymentSent records that the LP has sent the fiat. Only the assigned
// provider merchant may call it, and only while the fulfillment is pending.
func (s *Service) MarkPaymentSent(ctx context.Context, fulfillmentID, actorMerchantID string) (*Fulfillment, error) {
	var fulfillment *Fulfillment
	err := s.store.WithTx(ctx, func(tx Tx) error {
		f, err := tx.GetFulfillmentForUpdate(ctx, fulfillmentID)
		if err != nil {
			return err
		}
		if f.ProviderMerchantID != actorMerchantID {
			return ErrUnauthorized
		}
		if f.ProviderStatus != FulfillmentPending {
			return ErrInvalidStatus
		}
		now := s.nowFn()
		f.ProviderStatus = FulfillmentPaymentSent
		f.PaymentSentAt = &now
		f.UpdatedAt = now
		if err := tx.UpdateFulfillment(ctx, f); err != nil {
			return err
		}
		fulfillment = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(fulfillment, EventPaymentSent)
	return fulfillment, nil
}

// Availability is the read-only probe: would a match succeed right now, and
// at what fee.
type Availability struct {
	Available     bool   `json:"available"`
	ProviderID    string `json:"providerId,omitempty"`
	FeePercentage string `json:"feePercentage,omitempty"`
	CorridorFee   string `json:"corridorFee,omitempty"` // fils
}

// CheckAvailability runs the match selection without locking anything.
func (s *Service) CheckAvailability(ctx context.Context, fiatAmount string, exclude []string) (*Availability, error) {
	fiatFils, ok := new(big.Int).SetString(fiatAmount, 10)
	if !ok || fiatFils.Sign() <= 0 {
		return nil, fmt.Errorf("invalid fiat amount %q", fiatAmount)
	}
	provider, err := s.store.FindBestProvider(ctx, fiatFils, exclude, s.nowFn())
	if err == ErrNoLPAvailable {
		return &Availability{Available: false}, nil
	}
	if err != nil {
		return nil, err
	}
	feeFils, ok := fils.FeeFils(fiatFils, provider.FeePercentage)
	if !ok {
		return nil, fmt.Errorf("invalid fee percentage %q on provider %s", provider.FeePercentage, provider.ID)
	}
	return &Availability{
		Available:     true,
		ProviderID:    provider.ID,
		FeePercentage: provider.FeePercentage,
		CorridorFee:   feeFils.String(),
	}, nil
}

// UpsertProvider creates or updates a merchant's LP enrollment. One provider
// row per merchant.
func (s *Service) UpsertProvider(ctx context.Context, p *Provider) (*Provider, error) {
	if p.MerchantID == "" {
		return nil, fmt.Errorf("provider requires a merchant id")
	}
	// Fee must parse and stay within the 0–10% cap. Quoting the fee on
	// 10000 fils keeps the comparison in integers.
	fee, ok := fils.FeeFils(big.NewInt(10000), p.FeePercentage)
	if !ok {
		return nil, fmt.Errorf("invalid fee percentage %q", p.FeePercentage)
	}
	if fee.Cmp(big.NewInt(1000)) > 0 {
		return nil, fmt.Errorf("fee percentage %s exceeds the 10%% cap", p.FeePercentage)
	}
	if p.ID == "" {
		p.ID = idgen.WithPrefix("lpv_")
	}
	now := s.nowFn()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertProvider(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProvider returns a merchant's LP enrollment.
func (s *Service) GetProvider(ctx context.Context, merchantID string) (*Provider, error) {
	return s.store.GetProviderByMerchant(ctx, merchantID)
}

// ListProviders returns LP enrollments.
func (s *Service) ListProviders(ctx context.Context, activeOnly bool) ([]*Provider, error) {
	return s.store.ListProviders(ctx, activeOnly)
}

// GetFulfillment returns one fulfillment.
func (s *Service) GetFulfillment(ctx context.Context, id string) (*Fulfillment, error) {
	return s.store.GetFulfillment(ctx, id)
}

// ListFulfillments returns fulfillments matching the filter.
func (s *Service) ListFulfillments(ctx context.Context, filter ListFilter) ([]*Fulfillment, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.store.ListFulfillments(ctx, filter)
}

// SweepTimeouts fails and refunds pending fulfillments whose send deadline
// has passed. Returns how many were processed. Exposed for Worker K and for
// tests.
func (s *Service) SweepTimeouts(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 10
	}

	var swept []*Fulfillment
	err := s.store.WithTx(ctx, func(tx Tx) error {
		overdue, err := tx.ListTimedOutForUpdate(ctx, s.nowFn(), limit)
		if err != nil {
			return err
		}
		for _, f := range overdue {
			if err := s.timeoutOne(ctx, tx, f); err != nil {
				return err
			}
			swept = append(swept, f)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, f := range swept {
		metrics.CorridorTimeoutsTotal.Inc()
		s.notify(f, EventTimeout)
		s.logger.Info("corridor fulfillment timed out",
			"fulfillmentId", f.ID, "orderId", f.OrderID, "refunded", f.SAEDAmountLocked)
	}
	return len(swept), nil
}

// timeoutOne fails a single overdue fulfillment: full refund to the buyer,
// refund ledger entry, order detached back to the bank rail.
func (s *Service) timeoutOne(ctx context.Context, tx Tx, f *Fulfillment) error {
	amount, ok := new(big.Int).SetString(f.SAEDAmountLocked, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("invalid locked amount %q on fulfillment %s", f.SAEDAmountLocked, f.ID)
	}
	before, after, err := tx.AdjustBalance(ctx, f.BuyerEntityType, f.BuyerEntityID, ledger.AssetSAED, amount)
	if err != nil {
		return err
	}
	if err := tx.InsertLedgerEntry(ctx, &ledger.Entry{
		AccountType:    f.BuyerEntityType,
		AccountID:      f.BuyerEntityID,
		EntryType:      ledger.EntryCorridorSAEDXfer,
		Amount:         amount.String(),
		Asset:          ledger.AssetSAED,
		RelatedOrderID: f.OrderID,
		BalanceBefore:  before.String(),
		BalanceAfter:   after.String(),
		Metadata: map[string]string{
			"fulfillmentId": f.ID,
			"reason":        "send deadline missed",
		},
	}); err != nil {
		return err
	}

	now := s.nowFn()
	f.ProviderStatus = FulfillmentFailed
	f.FailedAt = &now
	f.UpdatedAt = now
	if err := tx.UpdateFulfillment(ctx, f); err != nil {
		return err
	}
	return tx.DetachOrder(ctx, f.OrderID)
}

// notify enqueues the LP-facing outbox row for a fulfillment event.
func (s *Service) notify(f *Fulfillment, eventType string) {
	s.writer.EnqueueNotification(batch.Notification{
		OrderID:   f.OrderID,
		EventType: eventType,
		Payload: map[string]any{
			"fulfillmentId":      f.ID,
			"orderId":            f.OrderID,
			"providerMerchantId": f.ProviderMerchantID,
			"providerStatus":     f.ProviderStatus,
			"saedAmountLocked":   f.SAEDAmountLocked,
			"fiatAmount":         f.FiatAmount,
			"corridorFee":        f.CorridorFee,
			"sendDeadline":       f.SendDeadline,
		},
	})
}
