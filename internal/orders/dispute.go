package orders

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
)

// OpenDispute creates the dispute row and moves the order to disputed in one
// transaction.
func (s *Service) OpenDispute(ctx context.Context, orderID string, actor Actor, reason string) (*Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("dispute requires a reason")
	}

	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	var (
		dispute *Dispute
		order   *Order
		from    Status
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		if err := ValidateTransition(from, StatusDisputed, actor.Type); err != nil {
			return err
		}
		if _, err := tx.GetDisputeForUpdate(ctx, orderID); err == nil {
			return ErrDisputeAlreadyOpen
		} else if err != ErrDisputeNotFound {
			return err
		}
		if !s.isParty(o, actor) {
			return ErrUnauthorized
		}

		now := s.nowFn()
		dispute = &Dispute{
			ID:           idgen.WithPrefix("dsp_"),
			OrderID:      orderID,
			OpenedByType: actor.Type,
			OpenedByID:   actor.ID,
			Reason:       reason,
			Status:       DisputeStatusOpen,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		if err := tx.InsertDispute(ctx, dispute); err != nil {
			return err
		}

		o.Status = StatusDisputed
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(order, from, StatusDisputed, actor, TransitionEventType(from, StatusDisputed),
		EventOrderDisputed, map[string]string{"reason": reason})
	return dispute, nil
}

// ConfirmResolutionRequest carries one party's answer in the two-party
// resolution protocol. Supplying Resolution proposes (or re-proposes) an
// outcome; Accept without a Resolution confirms the standing proposal.
type ConfirmResolutionRequest struct {
	OrderID string `json:"-"`
	Actor   Actor  `json:"-"`

	Accept           bool   `json:"accept"`
	Resolution       string `json:"resolution"` // "user" | "merchant" | "split"
	SplitUserPct     int    `json:"splitUserPct"`
	SplitMerchantPct int    `json:"splitMerchantPct"`
}

// ConfirmResolution advances the two-party protocol. When both sides have
// confirmed the same proposal, the credits and the order's final status
// commit in one transaction.
func (s *Service) ConfirmResolution(ctx context.Context, req ConfirmResolutionRequest) (*Dispute, error) {
	if req.Resolution != "" {
		if err := validateResolution(req.Resolution, req.SplitUserPct, req.SplitMerchantPct); err != nil {
			return nil, err
		}
	}

	mu := s.orderLock(req.OrderID)
	mu.Lock()
	defer mu.Unlock()

	var (
		dispute   *Dispute
		order     *Order
		from      Status
		finalized bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		d, err := tx.GetDisputeForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if d.Status == DisputeStatusResolved {
			return ErrInvalidTransition
		}

		userSide, merchantSide := s.disputeSide(o, req.Actor)
		if !userSide && !merchantSide {
			return ErrUnauthorized
		}

		now := s.nowFn()
		if req.Resolution != "" {
			// New proposal: proposer confirms, counterparty must answer.
			d.Resolution = req.Resolution
			d.SplitUserPct, d.SplitMerchantPct = normalizeSplit(req.Resolution, req.SplitUserPct, req.SplitMerchantPct)
			d.ProposedByType = req.Actor.Type
			d.ProposedByID = req.Actor.ID
			d.UserConfirmed = userSide
			d.MerchantConfirmed = merchantSide
		} else {
			if d.Resolution == "" {
				return ErrNoResolutionProposed
			}
			if !req.Accept {
				// Rejection clears the proposal; the dispute stays open.
				d.Resolution = ""
				d.SplitUserPct, d.SplitMerchantPct = 0, 0
				d.ProposedByType, d.ProposedByID = "", ""
				d.UserConfirmed, d.MerchantConfirmed = false, false
			} else {
				if userSide {
					d.UserConfirmed = true
				}
				if merchantSide {
					d.MerchantConfirmed = true
				}
			}
		}
		d.UpdatedAt = now

		if d.UserConfirmed && d.MerchantConfirmed {
			from = o.Status
			if err := s.finalizeResolution(ctx, tx, o, d, now); err != nil {
				return err
			}
			finalized = true
			order = o
		}
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		dispute = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if finalized {
		s.afterCommit(order, from, order.Status, req.Actor, "dispute_resolved",
			EventOrderResolved, map[string]string{"resolution": dispute.Resolution})
	}
	return dispute, nil
}

// finalizeResolution applies the agreed split and writes the order's final
// status. user → full refund and cancellation; merchant → full credit and
// completion; split → percentage credits and completion.
func (s *Service) finalizeResolution(ctx context.Context, tx Tx, o *Order, d *Dispute, now time.Time) error {
	userPct, merchantPct := d.SplitUserPct, d.SplitMerchantPct
	final := StatusCompleted
	if d.Resolution == ResolutionUser || (d.Resolution == ResolutionSplit && merchantPct == 0) {
		final = StatusCancelled
	}

	if s.mockMode && o.EscrowDebitedAmount != "" {
		pool, ok := new(big.Int).SetString(o.EscrowDebitedAmount, 10)
		if !ok || pool.Sign() <= 0 {
			return fmt.Errorf("invalid escrow debited amount %q", o.EscrowDebitedAmount)
		}
		userShare := new(big.Int).Div(new(big.Int).Mul(pool, big.NewInt(int64(userPct))), big.NewInt(100))
		merchantShare := new(big.Int).Sub(pool, userShare)

		userType, userID, merchantID := o.Parties()
		if userShare.Sign() > 0 {
			if err := s.creditResolution(ctx, tx, o, userType, userID, userShare, ledger.EntryEscrowRefund, d.Resolution); err != nil {
				return err
			}
		}
		if merchantShare.Sign() > 0 {
			if err := s.creditResolution(ctx, tx, o, ActorMerchant, merchantID, merchantShare, ledger.EntryEscrowRelease, d.Resolution); err != nil {
				return err
			}
		}
	}

	o.Status = final
	o.UpdatedAt = now
	switch final {
	case StatusCompleted:
		o.CompletedAt = &now
		if err := s.bridgeCorridor(ctx, tx, o); err != nil {
			return err
		}
	case StatusCancelled:
		o.CancelledAt = &now
		o.CancelledBy = ActorSystem
		o.CancellationReason = "dispute resolved: " + d.Resolution
		if ShouldRestoreLiquidity(StatusDisputed, StatusCancelled) {
			if err := tx.RestoreOfferLiquidity(ctx, o.OfferID, o.CryptoAmount); err != nil {
				return err
			}
		}
	}
	if err := s.bumpTradeStats(ctx, tx, o, final); err != nil {
		return err
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}

	d.Status = DisputeStatusResolved
	d.ResolvedAt = &now
	return nil
}

func (s *Service) creditResolution(ctx context.Context, tx Tx, o *Order, entityType, entityID string, amount *big.Int, entryType ledger.EntryType, resolution string) error {
	before, after, err := tx.AdjustBalance(ctx, entityType, entityID, ledger.AssetUSDT, amount)
	if err != nil {
		return err
	}
	return tx.InsertLedgerEntry(ctx, &ledger.Entry{
		AccountType:    entityType,
		AccountID:      entityID,
		EntryType:      entryType,
		Amount:         amount.String(),
		Asset:          ledger.AssetUSDT,
		RelatedOrderID: o.ID,
		BalanceBefore:  before.String(),
		BalanceAfter:   after.String(),
		Metadata:       map[string]string{"resolution": resolution},
	})
}

// isParty reports whether the actor is one of the order's participants.
func (s *Service) isParty(o *Order, actor Actor) bool {
	userSide, merchantSide := s.disputeSide(o, actor)
	return userSide || merchantSide
}

// disputeSide maps the actor to the user side or the merchant side of the
// order. For M2M orders the buyer merchant holds the user side.
func (s *Service) disputeSide(o *Order, actor Actor) (userSide, merchantSide bool) {
	userType, userID, merchantID := o.Parties()
	if actor.Type == userType && actor.ID == userID {
		userSide = true
	}
	if actor.Type == ActorMerchant && actor.ID == merchantID {
		merchantSide = true
	}
	return userSide, merchantSide
}

// validateResolution rejects malformed proposals.
func validateResolution(resolution string, userPct, merchantPct int) error {
	switch resolution {
	case ResolutionUser, ResolutionMerchant:
		return nil
	case ResolutionSplit:
		if userPct == 0 && merchantPct == 0 {
			return nil // defaulted to 50/50 at proposal time
		}
		if userPct < 0 || merchantPct < 0 || userPct+merchantPct != 100 {
			return fmt.Errorf("split percentages must be non-negative and sum to 100")
		}
		return nil
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
}

// normalizeSplit resolves the effective percentages for a proposal. Splits
// default to 50/50; the full-refund and full-credit kinds are fixed.
func normalizeSplit(resolution string, userPct, merchantPct int) (int, int) {
	switch resolution {
	case ResolutionUser:
		return 100, 0
	case ResolutionMerchant:
		return 0, 100
	default:
		if userPct == 0 && merchantPct == 0 {
			return 50, 50
		}
		return userPct, merchantPct
	}
}
