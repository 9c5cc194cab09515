// Package corridor implements the sAED settlement rail.
//
// A buyer who holds synthetic AED can route an order's fiat leg through a
// liquidity provider: the buyer's sinr_balance is locked for the fiat amount
// plus the LP's fee, the LP sends real fiat to the seller, and the lock is
// transferred to the LP when the order completes. A fulfillment that misses
// its 30 minute send deadline is failed and the lock refunded in full.
package corridor

import (
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrNoLPAvailable       = errors.New("no liquidity provider available")
	ErrBuyerNotFound       = errors.New("buyer has no balance account")
	ErrInsufficientSAED    = errors.New("insufficient sAED balance")
	ErrFulfillmentNotFound = errors.New("fulfillment not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrUnauthorized        = errors.New("actor is not the fulfillment's provider")
	ErrInvalidStatus       = errors.New("fulfillment status does not allow this operation")
	ErrOrderNotLinkable    = errors.New("order cannot be linked to the corridor")
)

// Fulfillment statuses.
const (
	FulfillmentPending     = "pending"
	FulfillmentPaymentSent = "payment_sent"
	FulfillmentCompleted   = "completed"
	FulfillmentFailed      = "failed"
)

// SendDeadline is how long an LP has to send fiat after assignment.
const SendDeadline = 30 * time.Minute

// Notification event types enqueued by the corridor engine.
const (
	EventAssignment  = "CORRIDOR_ASSIGNMENT"
	EventPaymentSent = "CORRIDOR_PAYMENT_SENT"
	EventTimeout     = "CORRIDOR_TIMEOUT"
)

// Provider is a merchant's LP enrollment. Fee percentage is a decimal string
// (0–10); min/max amounts are fils; a nil service-hour pair means 24/7.
type Provider struct {
	ID         string `json:"id"`
	MerchantID string `json:"merchantId"`
	Active     bool   `json:"active"`

	FeePercentage string `json:"feePercentage"`
	MinAmount     string `json:"minAmount,omitempty"` // fils
	MaxAmount     string `json:"maxAmount,omitempty"` // fils
	Rating        string `json:"rating,omitempty"`

	// Service hours in UTC, inclusive start / exclusive end. A window that
	// wraps midnight (start > end) is honored.
	ServiceStartHour *int `json:"serviceStartHour,omitempty"`
	ServiceEndHour   *int `json:"serviceEndHour,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InServiceHours reports whether the provider accepts assignments at t.
func (p *Provider) InServiceHours(t time.Time) bool {
	if p.ServiceStartHour == nil || p.ServiceEndHour == nil {
		return true
	}
	start, end := *p.ServiceStartHour, *p.ServiceEndHour
	if start == end {
		return true
	}
	h := t.UTC().Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// Fulfillment links an order to an LP. Amounts are integer fils strings;
// saed_amount_locked = fiat_amount + corridor_fee.
type Fulfillment struct {
	ID                 string `json:"id"`
	OrderID            string `json:"orderId"`
	ProviderID         string `json:"providerId"`
	ProviderMerchantID string `json:"providerMerchantId"`

	BuyerEntityType string `json:"buyerEntityType"`
	BuyerEntityID   string `json:"buyerEntityId"`

	SAEDAmountLocked string `json:"saedAmountLocked"`
	FiatAmount       string `json:"fiatAmount"`
	CorridorFee      string `json:"corridorFee"`

	BankDetails map[string]string `json:"bankDetails,omitempty"`

	ProviderStatus string     `json:"providerStatus"`
	SendDeadline   time.Time  `json:"sendDeadline"`
	AssignedAt     time.Time  `json:"assignedAt"`
	PaymentSentAt  *time.Time `json:"paymentSentAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	FailedAt       *time.Time `json:"failedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
