package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peermint/settlement/internal/batch"
	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
	"github.com/peermint/settlement/internal/metrics"
	"github.com/peermint/settlement/internal/reputation"
)

// Service implements the order lifecycle engine.
type Service struct {
	store     Store
	writer    *batch.Writer
	publisher Publisher
	logger    *slog.Logger

	mockMode         bool
	extensionMinutes int

	locks sync.Map // per-order ID locks, see orderLock
	nowFn func() time.Time
}

// NewService creates the order engine. The batch writer receives audit,
// notification and reputation rows; publisher may be nil.
func NewService(store Store, writer *batch.Writer, logger *slog.Logger) *Service {
	return &Service{
		store:            store,
		writer:           writer,
		logger:           logger,
		extensionMinutes: 30,
		nowFn:            time.Now,
	}
}

// WithPublisher attaches the subscription fabric.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithMockMode enables off-chain balance mutations on escrow lock, release
// and refund. In production the escrow program holds funds on chain.
func (s *Service) WithMockMode(enabled bool) *Service {
	s.mockMode = enabled
	return s
}

// WithExtensionMinutes overrides the minutes applied per accepted extension.
func (s *Service) WithExtensionMinutes(minutes int) *Service {
	if minutes > 0 {
		s.extensionMinutes = minutes
	}
	return s
}

// orderLock returns a mutex for the given order ID. Correctness rests on
// FOR UPDATE on the order row; this lock additionally serializes the
// in-memory store path, which has no row locks.
func (s *Service) orderLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	UserID          string `json:"userId"`
	MerchantID      string `json:"merchantId" binding:"required"`
	BuyerMerchantID string `json:"buyerMerchantId"`
	OfferID         string `json:"offerId" binding:"required"`
	Direction       string `json:"direction" binding:"required"`
	PaymentMethod   string `json:"paymentMethod"`

	CryptoAmount string `json:"cryptoAmount" binding:"required"` // USDT micro-units
	FiatAmount   string `json:"fiatAmount" binding:"required"`   // fils
	Rate         string `json:"rate" binding:"required"`

	PaymentDetails map[string]string `json:"paymentDetails"`
	FeePercentage  string            `json:"feePercentage"`
	FeeAmount      string            `json:"feeAmount"`

	PaymentVia string `json:"paymentVia"`

	// Escrow-first creation: the merchant already locked on chain.
	EscrowTxHash         string `json:"escrowTxHash"`
	EscrowTradeID        string `json:"escrowTradeId"`
	EscrowCreatorWallet  string `json:"escrowCreatorWallet"`
	EscrowProgramAddress string `json:"escrowProgramAddress"`
	EscrowVaultAddress   string `json:"escrowVaultAddress"`

	Actor Actor `json:"-"`
}

// Create opens an order against an offer, consuming its liquidity with a
// guarded decrement. An escrow tx-hash supplied at creation starts the order
// in escrowed instead of pending.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.Direction != DirectionBuy && req.Direction != DirectionSell {
		return nil, fmt.Errorf("%w: direction must be buy or sell", ErrInvalidTransition)
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = PaymentMethodBank
	}
	if req.PaymentVia == "" {
		req.PaymentVia = PaymentViaBank
	}
	if req.UserID == "" {
		// Merchant-to-merchant order: no end user, another merchant claims it.
		req.UserID = M2MPlaceholderUser
	}

	now := s.nowFn()
	expires := now.Add(PendingWindow)
	order := &Order{
		ID:              idgen.WithPrefix("ord_"),
		OrderNumber:     idgen.OrderNumber(),
		UserID:          req.UserID,
		MerchantID:      req.MerchantID,
		BuyerMerchantID: req.BuyerMerchantID,
		OfferID:         req.OfferID,
		Direction:       req.Direction,
		PaymentMethod:   req.PaymentMethod,
		CryptoAmount:    req.CryptoAmount,
		CryptoCurrency:  "USDT",
		FiatAmount:      req.FiatAmount,
		FiatCurrency:    "AED",
		Rate:            req.Rate,
		FeePercentage:   req.FeePercentage,
		FeeAmount:       req.FeeAmount,
		Status:          StatusPending,
		PaymentDetails:  req.PaymentDetails,
		ExpiresAt:       &expires,
		MaxExtensions:    DefaultMaxExtensions,
		ExtensionMinutes: s.extensionMinutes,
		OrderVersion:     1,
		PaymentVia:   req.PaymentVia,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.ConsumeOfferLiquidity(ctx, req.OfferID, req.CryptoAmount); err != nil {
			return err
		}
		if req.EscrowTxHash != "" {
			if err := s.applyEscrowLock(ctx, tx, order, escrowFields{
				TxHash:         req.EscrowTxHash,
				TradeID:        req.EscrowTradeID,
				CreatorWallet:  req.EscrowCreatorWallet,
				ProgramAddress: req.EscrowProgramAddress,
				VaultAddress:   req.EscrowVaultAddress,
			}, now); err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCreatedTotal.WithLabelValues(order.Direction).Inc()
	s.afterCommit(order, "", order.Status, req.Actor, "order_created", EventOrderCreated, nil)
	return order, nil
}

// TransitionRequest drives a state-machine edge.
type TransitionRequest struct {
	OrderID        string            `json:"-"`
	To             Status            `json:"status" binding:"required"`
	Actor          Actor             `json:"-"`
	Reason         string            `json:"reason"`
	AcceptorWallet string            `json:"acceptorWallet"`
	Metadata       map[string]string `json:"metadata"`
}

// Transition applies one lifecycle edge under the order row lock.
// Cancellation of an order with a recorded escrow debit must go through
// CancelWithRefund; Transition rejects it to keep the money path atomic.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Order, error) {
	if IsTransientStatus(req.To) {
		return nil, fmt.Errorf("%w: use %q", ErrTransientStatus, NormalizeStatus(req.To))
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

		if err := ValidateTransition(from, req.To, req.Actor.Type); err != nil {
			return err
		}
		if req.To == StatusCompleted && o.EscrowTxHash != "" && o.ReleaseTxHash == "" {
			return ErrCannotComplete
		}
		if req.To == StatusCancelled && o.EscrowDebitedEntityID != "" {
			return fmt.Errorf("%w: escrow debit recorded, cancellation must refund", ErrInvalidTransition)
		}

		effective := req.To
		now := s.nowFn()

		if req.To == StatusAccepted {
			if err := s.applyAcceptance(o, req.Actor, now); err != nil {
				return err
			}
			// Acceptance never regresses an escrowed order.
			if from == StatusEscrowed {
				effective = StatusEscrowed
			}
		}

		s.applyStatusTimestamps(o, effective, req, now)
		o.Status = effective
		o.UpdatedAt = now

		if ShouldRestoreLiquidity(from, effective) {
			if err := tx.RestoreOfferLiquidity(ctx, o.OfferID, o.CryptoAmount); err != nil {
				return err
			}
		}
		if effective == StatusCompleted {
			if err := s.bridgeCorridor(ctx, tx, o); err != nil {
				return err
			}
		}
		if IsTerminalStatus(effective) {
			if err := s.bumpTradeStats(ctx, tx, o, effective); err != nil {
				return err
			}
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(order, from, order.Status, req.Actor, TransitionEventType(from, order.Status),
		notificationEventType(req.To), req.Metadata)
	return order, nil
}

// applyAcceptance enforces counterparty rules and the claiming sub-rules.
func (s *Service) applyAcceptance(o *Order, actor Actor, now time.Time) error {
	switch actor.Type {
	case ActorUser:
		if actor.ID != o.UserID {
			return ErrUnauthorized
		}
	case ActorMerchant:
		if actor.ID == o.MerchantID && !o.IsM2M() {
			// A merchant cannot accept their own merchant-initiated order.
			return ErrUnauthorized
		}
		if actor.ID != o.MerchantID {
			// Another merchant claims the order. When escrow is locked the
			// escrow creator must remain merchant_id; the acceptor joins as
			// buyer_merchant_id. Without escrow the acceptor takes over.
			if o.EscrowTxHash != "" {
				o.BuyerMerchantID = actor.ID
			} else {
				o.MerchantID = actor.ID
			}
		}
	default:
		return ErrUnauthorized
	}
	o.AcceptedAt = &now
	expires := now.Add(ActivityWindow)
	o.ExpiresAt = &expires
	return nil
}

// applyStatusTimestamps sets the per-status timestamp side effects.
func (s *Service) applyStatusTimestamps(o *Order, to Status, req TransitionRequest, now time.Time) {
	switch to {
	case StatusEscrowed:
		if o.EscrowedAt == nil {
			o.EscrowedAt = &now
		}
		expires := now.Add(ActivityWindow)
		o.ExpiresAt = &expires
	case StatusPaymentSent:
		o.PaymentSentAt = &now
	case StatusPaymentConfirmed:
		o.PaymentConfirmedAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
		if o.PaymentConfirmedAt == nil {
			o.PaymentConfirmedAt = &now
		}
	case StatusCancelled:
		o.CancelledAt = &now
		o.CancelledBy = req.Actor.Type
		o.CancellationReason = req.Reason
	case StatusExpired:
		o.CancelledAt = &now
		o.CancelledBy = ActorSystem
		o.CancellationReason = "expired"
	}
}

// bumpTradeStats updates the counters on both parties for a terminal edge.
func (s *Service) bumpTradeStats(ctx context.Context, tx Tx, o *Order, terminal Status) error {
	userType, userID, merchantID := o.Parties()
	if userID != "" && userID != M2MPlaceholderUser {
		if err := tx.IncrementTradeStats(ctx, userType, userID, string(terminal)); err != nil {
			return err
		}
	}
	return tx.IncrementTradeStats(ctx, ActorMerchant, merchantID, string(terminal))
}

// CancelRequest asks for an order to be cancelled.
type CancelRequest struct {
	OrderID      string
	Actor        Actor
	Reason       string
	RefundTxHash string
}

// Cancel routes to the plain transition for unescrowed orders and to the
// atomic refund path once an escrow debit exists.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*Order, error) {
	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.EscrowTxHash != "" {
		return s.CancelWithRefund(ctx, req)
	}
	return s.Transition(ctx, TransitionRequest{
		OrderID: req.OrderID,
		To:      StatusCancelled,
		Actor:   req.Actor,
		Reason:  req.Reason,
	})
}

// RequestExtension records an extension request by one party. The
// counterparty answers via RespondExtension.
func (s *Service) RequestExtension(ctx context.Context, orderID string, actor Actor) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	var order *Order
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.IsTerminal() {
			return ErrInvalidTransition
		}
		if o.ExtensionCount >= o.MaxExtensions {
			return ErrMaxExtensions
		}
		now := s.nowFn()
		o.ExtensionRequestedBy = actor.Type
		o.ExtensionRequestedAt = &now
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
	s.afterCommit(order, order.Status, order.Status, actor, "extension_requested", EventOrderExtended, nil)
	return order, nil
}

// RespondExtension accepts or rejects a pending extension request. Accepting
// pushes expires_at out by the order's extension minutes and increments the
// counter; rejecting clears the request.
func (s *Service) RespondExtension(ctx context.Context, orderID string, actor Actor, accept bool) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	var order *Order
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.ExtensionRequestedBy == "" {
			return ErrNoExtensionRequest
		}
		if o.ExtensionRequestedBy == actor.Type {
			// The requester cannot answer their own request.
			return ErrUnauthorized
		}
		now := s.nowFn()
		if accept {
			if o.ExtensionCount >= o.MaxExtensions {
				return ErrMaxExtensions
			}
			minutes := o.ExtensionMinutes
			if minutes <= 0 {
				minutes = s.extensionMinutes
			}
			base := now
			if o.ExpiresAt != nil && o.ExpiresAt.After(now) {
				base = *o.ExpiresAt
			}
			extended := base.Add(time.Duration(minutes) * time.Minute)
			o.ExpiresAt = &extended
			o.ExtensionCount++
		}
		o.ExtensionRequestedBy = ""
		o.ExtensionRequestedAt = nil
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
	s.afterCommit(order, order.Status, order.Status, actor, "extension_answered", EventOrderExtended, nil)
	return order, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// List returns orders matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Order, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.store.ListOrders(ctx, filter)
}

// GetOffer returns one offer, for observing remaining liquidity.
func (s *Service) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return s.store.GetOffer(ctx, id)
}

// MerchantFeed returns recent activity rows for a merchant, newest first.
func (s *Service) MerchantFeed(ctx context.Context, merchantID string, limit int) ([]*ledger.MerchantTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListMerchantTransactions(ctx, merchantID, limit)
}

// afterCommit enqueues the fire-and-forget rows and publishes the event.
// Everything here is best-effort; the transaction has already committed.
func (s *Service) afterCommit(o *Order, from, to Status, actor Actor, auditType, notifType string, meta map[string]string) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()

	s.writer.EnqueueOrderEvent(batch.OrderEvent{
		OrderID:   o.ID,
		EventType: auditType,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		OldStatus: string(from),
		NewStatus: string(to),
		Metadata:  meta,
	})
	s.writer.EnqueueNotification(batch.Notification{
		OrderID:   o.ID,
		EventType: notifType,
		Payload: map[string]any{
			"orderId":        o.ID,
			"orderNumber":    o.OrderNumber,
			"status":         string(to),
			"previousStatus": string(from),
			"orderVersion":   o.OrderVersion,
		},
	})

	userType, userID, merchantID := o.Parties()
	for _, evt := range reputation.EventsForTransition(o.ID, string(to), o.CancellationReason,
		reputation.Party{EntityID: nonPlaceholder(userID), EntityType: userType},
		reputation.Party{EntityID: merchantID, EntityType: ActorMerchant},
	) {
		s.writer.EnqueueReputationEvent(evt)
	}

	if s.publisher != nil {
		s.publisher.PublishOrderEvent(PublishedEvent{
			EventType:       notifType,
			OrderID:         o.ID,
			Status:          to,
			MinimalStatus:   MinimalStatus(to),
			OrderVersion:    o.OrderVersion,
			PreviousStatus:  from,
			UserID:          nonPlaceholder(o.UserID),
			MerchantID:      o.MerchantID,
			BuyerMerchantID: o.BuyerMerchantID,
		})
	}
}

func nonPlaceholder(userID string) string {
	if userID == M2MPlaceholderUser {
		return ""
	}
	return userID
}
