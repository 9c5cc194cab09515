package orders

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/peermint/settlement/internal/ledger"
	"github.com/peermint/settlement/internal/metrics"
	"github.com/peermint/settlement/internal/validation"
)

// escrowFields carries the on-chain references written at lock time.
type escrowFields struct {
	TxHash         string
	TradeID        string
	CreatorWallet  string
	ProgramAddress string
	VaultAddress   string
}

// determineEscrowPayer picks who funds the escrow. M2M orders are always
// funded by the selling merchant; in user↔merchant trades the seller of the
// crypto pays: the merchant on a buy order, the user on a sell order.
func determineEscrowPayer(o *Order) (entityType, entityID string) {
	if o.IsM2M() {
		return ActorMerchant, o.MerchantID
	}
	if o.Direction == DirectionBuy {
		return ActorMerchant, o.MerchantID
	}
	return ActorUser, o.UserID
}

// releaseRecipient picks who receives the crypto on completion: the buyer
// merchant when present, otherwise the user on a buy and the merchant on a
// sell.
func releaseRecipient(o *Order) (entityType, entityID string) {
	if o.BuyerMerchantID != "" {
		return ActorMerchant, o.BuyerMerchantID
	}
	if o.Direction == DirectionBuy {
		return ActorUser, o.UserID
	}
	return ActorMerchant, o.MerchantID
}

// applyEscrowLock mutates the order in place with the escrow references, the
// immutable debit record, status escrowed and the refreshed activity window.
// In mock mode it also debits the payer and writes the ledger rows; in
// production the escrow program holds the funds on chain.
func (s *Service) applyEscrowLock(ctx context.Context, tx Tx, o *Order, fields escrowFields, now time.Time) error {
	payerType, payerID := determineEscrowPayer(o)

	o.EscrowTxHash = fields.TxHash
	o.EscrowTradeID = fields.TradeID
	o.EscrowCreatorWallet = fields.CreatorWallet
	o.EscrowProgramAddress = fields.ProgramAddress
	o.EscrowVaultAddress = fields.VaultAddress
	o.EscrowDebitedEntityType = payerType
	o.EscrowDebitedEntityID = payerID
	o.EscrowDebitedAmount = o.CryptoAmount
	o.EscrowDebitedAt = &now
	o.EscrowedAt = &now
	o.Status = StatusEscrowed
	expires := now.Add(ActivityWindow)
	o.ExpiresAt = &expires

	if !s.mockMode {
		return nil
	}

	amount, ok := new(big.Int).SetString(o.CryptoAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("invalid crypto amount %q", o.CryptoAmount)
	}
	debit := new(big.Int).Neg(amount)
	before, after, err := tx.AdjustBalance(ctx, payerType, payerID, ledger.AssetUSDT, debit)
	if err != nil {
		if err == ledger.ErrInsufficientBalance {
			return ErrInsufficientBalance
		}
		return err
	}
	if err := tx.InsertLedgerEntry(ctx, &ledger.Entry{
		AccountType:    payerType,
		AccountID:      payerID,
		EntryType:      ledger.EntryEscrowLock,
		Amount:         debit.String(),
		Asset:          ledger.AssetUSDT,
		RelatedOrderID: o.ID,
		BalanceBefore:  before.String(),
		BalanceAfter:   after.String(),
		Metadata:       map[string]string{"txHash": fields.TxHash},
	}); err != nil {
		return err
	}
	if payerType == ActorMerchant {
		if err := tx.InsertMerchantTransaction(ctx, &ledger.MerchantTransaction{
			MerchantID: payerID,
			Kind:       "escrow_lock",
			Amount:     debit.String(),
			Asset:      ledger.AssetUSDT,
			OrderID:    o.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LockEscrowRequest contains the parameters for locking escrow on an order.
type LockEscrowRequest struct {
	OrderID        string `json:"-"`
	TxHash         string `json:"txHash" binding:"required"`
	TradeID        string `json:"tradeId"`
	CreatorWallet  string `json:"creatorWallet"`
	ProgramAddress string `json:"programAddress"`
	VaultAddress   string `json:"vaultAddress"`
	Actor          Actor  `json:"-"`
}

// LockEscrow records the on-chain escrow lock and moves the order to
// escrowed. A second lock on the same order returns ErrAlreadyEscrowed; a
// status that can no longer reach escrowed returns ErrOrderStatusChanged.
func (s *Service) LockEscrow(ctx context.Context, req LockEscrowRequest) (*Order, error) {
	if !validation.IsValidTxHash(req.TxHash) {
		return nil, fmt.Errorf("invalid escrow tx hash %q", req.TxHash)
	}

	mu := s.orderLock(req.OrderID)
	mu.Lock()
	defer mu.Unlock()

	var (
		order *Order
		from  Status
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if o.EscrowTxHash != "" {
			return ErrAlreadyEscrowed
		}
		from = o.Status
		if err := ValidateTransition(from, StatusEscrowed, req.Actor.Type); err != nil {
			return ErrOrderStatusChanged
		}
		if err := s.applyEscrowLock(ctx, tx, o, escrowFields{
			TxHash:         req.TxHash,
			TradeID:        req.TradeID,
			CreatorWallet:  req.CreatorWallet,
			ProgramAddress: req.ProgramAddress,
			VaultAddress:   req.VaultAddress,
		}, s.nowFn()); err != nil {
			return err
		}
		o.UpdatedAt = s.nowFn()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("lock", "failure").Inc()
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("lock", "success").Inc()
	s.afterCommit(order, from, StatusEscrowed, req.Actor, TransitionEventType(from, StatusEscrowed),
		EventOrderEscrowed, map[string]string{"txHash": req.TxHash})
	return order, nil
}

// Release finalizes the order: status completed, release tx-hash recorded,
// recipient credited in mock mode, corridor fulfillment bridged atomically.
// Replaying a release with the same tx-hash on a completed order is a no-op.
func (s *Service) Release(ctx context.Context, orderID, txHash string, actor Actor) (*Order, error) {
	if txHash != "" && !validation.IsValidTxHash(txHash) {
		return nil, fmt.Errorf("invalid release tx hash %q", txHash)
	}

	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	var (
		order    *Order
		from     Status
		replayed bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == StatusCompleted && o.ReleaseTxHash != "" && o.ReleaseTxHash == txHash {
			order, replayed = o, true
			return nil
		}
		from = o.Status
		switch from {
		case StatusEscrowed, StatusPaymentSent, StatusPaymentConfirmed, StatusResolved:
		default:
			return ErrInvalidTransition
		}

		now := s.nowFn()
		o.Status = StatusCompleted
		o.ReleaseTxHash = txHash
		o.CompletedAt = &now
		if o.PaymentConfirmedAt == nil {
			o.PaymentConfirmedAt = &now
		}
		o.UpdatedAt = now

		if s.mockMode && o.EscrowDebitedAmount != "" {
			if err := s.creditOnRelease(ctx, tx, o, txHash); err != nil {
				return err
			}
		}
		if err := s.bridgeCorridor(ctx, tx, o); err != nil {
			return err
		}
		if err := s.bumpTradeStats(ctx, tx, o, StatusCompleted); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("release", "failure").Inc()
		return nil, err
	}
	if replayed {
		return order, nil
	}

	metrics.EscrowOpsTotal.WithLabelValues("release", "success").Inc()

	// Post-commit verification. The funds already moved on chain, so a
	// failure here is logged at critical level but never surfaced.
	s.verifyRelease(ctx, order.ID, txHash, order.OrderVersion)

	s.afterCommit(order, from, StatusCompleted, actor, TransitionEventType(from, StatusCompleted),
		EventOrderCompleted, map[string]string{"txHash": txHash})
	return order, nil
}

// creditOnRelease credits the recipient in mock mode and writes the
// balancing ESCROW_RELEASE ledger entry.
func (s *Service) creditOnRelease(ctx context.Context, tx Tx, o *Order, txHash string) error {
	recipientType, recipientID := releaseRecipient(o)
	amount, ok := new(big.Int).SetString(o.EscrowDebitedAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("invalid escrow debited amount %q", o.EscrowDebitedAmount)
	}
	before, after, err := tx.AdjustBalance(ctx, recipientType, recipientID, ledger.AssetUSDT, amount)
	if err != nil {
		return err
	}
	if err := tx.InsertLedgerEntry(ctx, &ledger.Entry{
		AccountType:    recipientType,
		AccountID:      recipientID,
		EntryType:      ledger.EntryEscrowRelease,
		Amount:         amount.String(),
		Asset:          ledger.AssetUSDT,
		RelatedOrderID: o.ID,
		BalanceBefore:  before.String(),
		BalanceAfter:   after.String(),
		Metadata:       map[string]string{"txHash": txHash},
	}); err != nil {
		return err
	}
	if recipientType == ActorMerchant {
		return tx.InsertMerchantTransaction(ctx, &ledger.MerchantTransaction{
			MerchantID: recipientID,
			Kind:       "escrow_release",
			Amount:     amount.String(),
			Asset:      ledger.AssetUSDT,
			OrderID:    o.ID,
		})
	}
	return nil
}

// bridgeCorridor completes a linked corridor fulfillment inside the order's
// transaction. A bridge failure rolls the completion back.
func (s *Service) bridgeCorridor(ctx context.Context, tx Tx, o *Order) error {
	if o.PaymentVia != PaymentViaCorridor || o.CorridorFulfillmentID == "" {
		return nil
	}
	return tx.BridgeCorridorCompletion(ctx, o.CorridorFulfillmentID)
}

// CancelWithRefund is the dedicated atomic refund path: the exact payer
// recorded at lock time is credited the exact debited amount, in the same
// transaction as the status change.
func (s *Service) CancelWithRefund(ctx context.Context, req CancelRequest) (*Order, error) {
	if req.RefundTxHash != "" && !validation.IsValidTxHash(req.RefundTxHash) {
		return nil, fmt.Errorf("invalid refund tx hash %q", req.RefundTxHash)
	}

	mu := s.orderLock(req.OrderID)
	mu.Lock()
	defer mu.Unlock()

	var (
		order *Order
		from  Status
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		from = o.Status
		if err := ValidateTransition(from, StatusCancelled, req.Actor.Type); err != nil {
			return err
		}
		if o.EscrowDebitedEntityID == "" || o.EscrowDebitedAmount == "" {
			return ErrNoDebitRecord
		}

		if s.mockMode {
			amount, ok := new(big.Int).SetString(o.EscrowDebitedAmount, 10)
			if !ok || amount.Sign() <= 0 {
				return fmt.Errorf("invalid escrow debited amount %q", o.EscrowDebitedAmount)
			}
			before, after, err := tx.AdjustBalance(ctx,
				o.EscrowDebitedEntityType, o.EscrowDebitedEntityID, ledger.AssetUSDT, amount)
			if err != nil {
				return err
			}
			if err := tx.InsertLedgerEntry(ctx, &ledger.Entry{
				AccountType:    o.EscrowDebitedEntityType,
				AccountID:      o.EscrowDebitedEntityID,
				EntryType:      ledger.EntryEscrowRefund,
				Amount:         amount.String(),
				Asset:          ledger.AssetUSDT,
				RelatedOrderID: o.ID,
				BalanceBefore:  before.String(),
				BalanceAfter:   after.String(),
				Metadata:       map[string]string{"reason": req.Reason},
			}); err != nil {
				return err
			}
		}

		now := s.nowFn()
		o.Status = StatusCancelled
		o.CancelledAt = &now
		o.CancelledBy = req.Actor.Type
		o.CancellationReason = req.Reason
		o.RefundTxHash = req.RefundTxHash
		o.UpdatedAt = now

		if ShouldRestoreLiquidity(from, StatusCancelled) {
			if err := tx.RestoreOfferLiquidity(ctx, o.OfferID, o.CryptoAmount); err != nil {
				return err
			}
		}
		if err := s.bumpTradeStats(ctx, tx, o, StatusCancelled); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("refund", "failure").Inc()
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("refund", "success").Inc()

	// A refund that fails post-commit verification is escalated to the
	// caller; the commit itself stands.
	if err := s.verifyRefund(ctx, order.ID, order.OrderVersion); err != nil {
		return order, err
	}

	s.afterCommit(order, from, StatusCancelled, req.Actor, TransitionEventType(from, StatusCancelled),
		EventOrderCancelled, map[string]string{"reason": req.Reason})
	return order, nil
}
