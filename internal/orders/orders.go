// Package orders implements the order lifecycle engine: creation against
// merchant offer liquidity, state-machine transitions, escrow lock / release
// / refund with post-commit invariant verification, disputes, extensions and
// expiry.
//
// Flow (happy buy path):
//  1. User creates order against an offer → liquidity consumed, status pending
//  2. Merchant locks escrow → payer debited (mock mode), status escrowed
//  3. User sends fiat → payment_sent
//  4. Release with tx-hash → completed, recipient credited (mock mode)
package orders

import (
	"errors"
	"time"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrOfferNotFound         = errors.New("offer not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrTransientStatus       = errors.New("transient status may not be written")
	ErrInsufficientLiquidity = errors.New("offer has insufficient available amount")
	ErrAlreadyEscrowed       = errors.New("escrow already locked for this order")
	ErrOrderStatusChanged    = errors.New("order status changed concurrently")
	ErrInsufficientBalance   = errors.New("payer balance below required amount")
	ErrNoDebitRecord         = errors.New("no escrow debit recorded, refusing to refund")
	ErrUnauthorized          = errors.New("actor not authorized for this operation")
	ErrCannotComplete        = errors.New("cannot complete while escrow is unreleased")
	ErrMaxExtensions         = errors.New("extension limit reached")
	ErrNoExtensionRequest    = errors.New("no pending extension request")
	ErrDisputeNotFound       = errors.New("dispute not found")
	ErrDisputeAlreadyOpen    = errors.New("dispute already open for this order")
	ErrNoResolutionProposed  = errors.New("no resolution proposed")
	ErrRefundInvariantFailed = errors.New("refund committed but post-commit verification failed")
)

// Actor types.
const (
	ActorUser     = "user"
	ActorMerchant = "merchant"
	ActorSystem   = "system"
)

// Directions and payment routing.
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"

	PaymentMethodBank = "bank"
	PaymentMethodCash = "cash"

	PaymentViaBank     = "bank"
	PaymentViaCorridor = "saed_corridor"
)

// M2MPlaceholderUser marks merchant-to-merchant orders that carry no end
// user: one merchant creates the order for another merchant to accept.
const M2MPlaceholderUser = "m2m"

// DefaultMaxExtensions caps how many times expires_at may be pushed out.
const DefaultMaxExtensions = 3

// Lifecycle windows.
const (
	PendingWindow  = 15 * time.Minute
	ActivityWindow = 120 * time.Minute
)

// Actor identifies who is driving an operation.
type Actor struct {
	Type string `json:"actorType"`
	ID   string `json:"actorId"`
}

// Order is the central entity. Monetary amounts are integer strings in the
// asset's smallest unit: crypto in USDT micro-units, fiat in fils.
type Order struct {
	ID              string `json:"id"`
	OrderNumber     string `json:"orderNumber"`
	UserID          string `json:"userId"`
	MerchantID      string `json:"merchantId"`
	BuyerMerchantID string `json:"buyerMerchantId,omitempty"`
	OfferID         string `json:"offerId"`
	Direction       string `json:"direction"`     // "buy" | "sell"
	PaymentMethod   string `json:"paymentMethod"` // "bank" | "cash"

	CryptoAmount   string `json:"cryptoAmount"`
	CryptoCurrency string `json:"cryptoCurrency"`
	FiatAmount     string `json:"fiatAmount"`
	FiatCurrency   string `json:"fiatCurrency"`
	Rate           string `json:"rate"`
	FeePercentage  string `json:"feePercentage,omitempty"`
	FeeAmount      string `json:"feeAmount,omitempty"`

	Status Status `json:"status"`

	PaymentDetails map[string]string `json:"paymentDetails,omitempty"`

	AcceptedAt         *time.Time `json:"acceptedAt,omitempty"`
	EscrowedAt         *time.Time `json:"escrowedAt,omitempty"`
	PaymentSentAt      *time.Time `json:"paymentSentAt,omitempty"`
	PaymentConfirmedAt *time.Time `json:"paymentConfirmedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`

	// Escrow references. escrow_debited_* is the immutable record of who
	// paid at lock time and is the source of truth for the refund path.
	EscrowTxHash            string     `json:"escrowTxHash,omitempty"`
	EscrowTradeID           string     `json:"escrowTradeId,omitempty"`
	EscrowCreatorWallet     string     `json:"escrowCreatorWallet,omitempty"`
	EscrowProgramAddress    string     `json:"escrowProgramAddress,omitempty"`
	EscrowVaultAddress      string     `json:"escrowVaultAddress,omitempty"`
	EscrowDebitedEntityType string     `json:"escrowDebitedEntityType,omitempty"`
	EscrowDebitedEntityID   string     `json:"escrowDebitedEntityId,omitempty"`
	EscrowDebitedAmount     string     `json:"escrowDebitedAmount,omitempty"`
	EscrowDebitedAt         *time.Time `json:"escrowDebitedAt,omitempty"`

	ReleaseTxHash string `json:"releaseTxHash,omitempty"`
	RefundTxHash  string `json:"refundTxHash,omitempty"`

	CancelledBy        string `json:"cancelledBy,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`

	ExtensionCount       int        `json:"extensionCount"`
	MaxExtensions        int        `json:"maxExtensions"`
	ExtensionRequestedBy string     `json:"extensionRequestedBy,omitempty"`
	ExtensionRequestedAt *time.Time `json:"extensionRequestedAt,omitempty"`
	ExtensionMinutes     int        `json:"extensionMinutes,omitempty"`

	OrderVersion int `json:"orderVersion"`

	PaymentVia            string `json:"paymentVia"` // "bank" | "saed_corridor"
	CorridorFulfillmentID string `json:"corridorFulfillmentId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsM2M reports whether this is a merchant-to-merchant order.
func (o *Order) IsM2M() bool {
	return o.BuyerMerchantID != "" || o.UserID == M2MPlaceholderUser
}

// IsTerminal reports whether the order is in a final state.
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// Parties returns the user-side and merchant-side entities of the order.
// For M2M orders the user side is the buyer merchant.
func (o *Order) Parties() (userSideType, userSideID, merchantSideID string) {
	if o.BuyerMerchantID != "" {
		return ActorMerchant, o.BuyerMerchantID, o.MerchantID
	}
	return ActorUser, o.UserID, o.MerchantID
}

// Offer is a merchant's advertised liquidity. available_amount is an integer
// string in USDT micro-units and never goes negative.
type Offer struct {
	ID              string    `json:"id"`
	MerchantID      string    `json:"merchantId"`
	Direction       string    `json:"direction"`
	PaymentMethod   string    `json:"paymentMethod"`
	Rate            string    `json:"rate"`
	AvailableAmount string    `json:"availableAmount"`
	MinAmount       string    `json:"minAmount,omitempty"`
	MaxAmount       string    `json:"maxAmount,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Dispute statuses and resolution kinds.
const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"

	ResolutionUser     = "user"     // full refund to the user side
	ResolutionMerchant = "merchant" // full credit to the merchant side
	ResolutionSplit    = "split"
)

// Dispute is the two-party resolution record for a disputed order.
type Dispute struct {
	ID      string `json:"id"`
	OrderID string `json:"orderId"`

	OpenedByType string `json:"openedByType"`
	OpenedByID   string `json:"openedById"`
	Reason       string `json:"reason"`
	Status       string `json:"status"`

	// Proposed resolution, pending two-party confirmation.
	Resolution       string `json:"resolution,omitempty"` // "user" | "merchant" | "split"
	SplitUserPct     int    `json:"splitUserPct,omitempty"`
	SplitMerchantPct int    `json:"splitMerchantPct,omitempty"`
	ProposedByType   string `json:"proposedByType,omitempty"`
	ProposedByID     string `json:"proposedById,omitempty"`

	UserConfirmed     bool `json:"userConfirmed"`
	MerchantConfirmed bool `json:"merchantConfirmed"`

	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Notification event types published on the write-path.
const (
	EventOrderCreated          = "ORDER_CREATED"
	EventOrderAccepted         = "ORDER_ACCEPTED"
	EventOrderEscrowed         = "ORDER_ESCROWED"
	EventOrderPaymentSent      = "ORDER_PAYMENT_SENT"
	EventOrderPaymentConfirmed = "ORDER_PAYMENT_CONFIRMED"
	EventOrderCompleted        = "ORDER_COMPLETED"
	EventOrderCancelled        = "ORDER_CANCELLED"
	EventOrderExpired          = "ORDER_EXPIRED"
	EventOrderDisputed         = "ORDER_DISPUTED"
	EventOrderResolved         = "ORDER_RESOLVED"
	EventOrderExtended         = "ORDER_EXTENDED"
)

// notificationEventType maps a settled status to its outbox event type.
func notificationEventType(to Status) string {
	switch to {
	case StatusAccepted:
		return EventOrderAccepted
	case StatusEscrowed:
		return EventOrderEscrowed
	case StatusPaymentSent:
		return EventOrderPaymentSent
	case StatusPaymentConfirmed:
		return EventOrderPaymentConfirmed
	case StatusCompleted:
		return EventOrderCompleted
	case StatusCancelled:
		return EventOrderCancelled
	case StatusExpired:
		return EventOrderExpired
	case StatusDisputed:
		return EventOrderDisputed
	case StatusResolved:
		return EventOrderResolved
	default:
		return "ORDER_UPDATED"
	}
}

// PublishedEvent is the payload handed to the subscription fabric after a
// transition commits.
type PublishedEvent struct {
	EventType       string `json:"event_type"`
	OrderID         string `json:"order_id"`
	Status          Status `json:"status"`
	MinimalStatus   string `json:"minimal_status"`
	OrderVersion    int    `json:"order_version"`
	PreviousStatus  Status `json:"previousStatus,omitempty"`
	UserID          string `json:"-"`
	MerchantID      string `json:"-"`
	BuyerMerchantID string `json:"-"`
}

// Publisher pushes committed order events to live subscribers. Delivery is
// best-effort and never affects the committing transaction.
type Publisher interface {
	PublishOrderEvent(evt PublishedEvent)
}
