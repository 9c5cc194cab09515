// Package convert implements the USDT ↔ sAED conversion engine.
//
// Conversions are fixed-point and always floor, so no value is created by
// rounding. Minting synthetic AED is capped at 90% of the account's USDT
// backing; burning it back is limited only by the sAED balance. An optional
// idempotency key makes retries return the original record.
package convert

import (
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrInvalidAmount       = errors.New("invalid conversion amount")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientUSDT    = errors.New("insufficient USDT balance")
	ErrInsufficientSAED    = errors.New("insufficient sAED balance")
	ErrExposureLimit       = errors.New("conversion exceeds the synthetic exposure limit")
	ErrConversionNotFound  = errors.New("conversion not found")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
)

// Directions.
const (
	DirectionUSDTToSAED = "usdt_to_sinr"
	DirectionSAEDToUSDT = "sinr_to_usdt"
)

// ExposureNumerator / ExposureDenominator cap minted sAED at 90% of the
// account's USDT backing valued at the conversion rate.
const (
	ExposureNumerator   = 9
	ExposureDenominator = 10
)

// Conversion is the idempotent record of one executed conversion. Amounts
// are integer strings: USDT in micro-units, sAED in fils.
type Conversion struct {
	ID             string `json:"id"`
	EntityType     string `json:"entityType"`
	EntityID       string `json:"entityId"`
	Direction      string `json:"direction"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	AmountIn  string `json:"amountIn"`
	AmountOut string `json:"amountOut"`
	Rate      string `json:"rate"` // AED per USDT

	USDTBefore string `json:"usdtBefore"`
	USDTAfter  string `json:"usdtAfter"`
	SAEDBefore string `json:"saedBefore"`
	SAEDAfter  string `json:"saedAfter"`

	CreatedAt time.Time `json:"createdAt"`
}
