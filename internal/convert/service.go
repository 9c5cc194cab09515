package convert

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/peermint/settlement/internal/fils"
	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
	"github.com/peermint/settlement/internal/metrics"
)

// DefaultRate is the AED-per-USDT rate used when a request does not carry
// its own.
const DefaultRate = "3.67"

// Service executes conversions between USDT and synthetic AED.
type Service struct {
	store  Store
	logger *slog.Logger

	rate        string
	exposureNum int64
	exposureDen int64

	nowFn func() time.Time
}

// NewService creates a conversion service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		logger:      logger.With("component", "convert"),
		rate:        DefaultRate,
		exposureNum: ExposureNumerator,
		exposureDen: ExposureDenominator,
		nowFn:       time.Now,
	}
}

// WithRate overrides the default conversion rate.
func (s *Service) WithRate(rate string) *Service {
	if rate != "" {
		s.rate = rate
	}
	return s
}

// WithExposureFactor overrides the synthetic exposure cap, expressed as a
// fraction of the account's USDT backing.
func (s *Service) WithExposureFactor(num, den int64) *Service {
	if num > 0 && den > 0 {
		s.exposureNum = num
		s.exposureDen = den
	}
	return s
}

// Request describes one conversion. Amount is a decimal string in the input
// currency: USDT for usdt_to_sinr, AED for sinr_to_usdt.
type Request struct {
	EntityType     string `json:"-"`
	EntityID       string `json:"-"`
	Amount         string `json:"amount" binding:"required"`
	Rate           string `json:"rate,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Convert executes a conversion in the given direction. A repeated
// idempotency key returns the original record without touching balances.
func (s *Service) Convert(ctx context.Context, direction string, req Request) (*Conversion, error) {
	if direction != DirectionUSDTToSAED && direction != DirectionSAEDToUSDT {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidAmount, direction)
	}
	rate := req.Rate
	if rate == "" {
		rate = s.rate
	}

	var amountIn *big.Int
	var ok bool
	if direction == DirectionUSDTToSAED {
		amountIn, ok = fils.ParseUSDT(req.Amount)
	} else {
		amountIn, ok = fils.ParseAED(req.Amount)
	}
	if !ok || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}

	var result *Conversion
	var replayed bool
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.GetByIdempotencyKey(ctx, req.EntityType, req.EntityID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Direction != direction || existing.AmountIn != amountIn.String() {
					return ErrIdempotencyConflict
				}
				result = existing
				replayed = true
				return nil
			}
		}

		usdtBefore, saedBefore, err := tx.LockBalances(ctx, req.EntityType, req.EntityID)
		if err != nil {
			return err
		}

		conv := &Conversion{
			ID:             idgen.WithPrefix("cnv_"),
			EntityType:     req.EntityType,
			EntityID:       req.EntityID,
			Direction:      direction,
			IdempotencyKey: req.IdempotencyKey,
			AmountIn:       amountIn.String(),
			Rate:           rate,
			USDTBefore:     usdtBefore.String(),
			SAEDBefore:     saedBefore.String(),
			CreatedAt:      s.nowFn().UTC(),
		}

		var usdtAfter, saedAfter *big.Int
		var saedDelta *big.Int
		switch direction {
		case DirectionUSDTToSAED:
			if usdtBefore.Cmp(amountIn) < 0 {
				return ErrInsufficientUSDT
			}
			out, ok := fils.USDTToFils(amountIn, rate)
			if !ok {
				return fmt.Errorf("%w: bad rate %q", ErrInvalidAmount, rate)
			}
			if out.Sign() <= 0 {
				return fmt.Errorf("%w: amount floors to zero", ErrInvalidAmount)
			}
			limit := s.exposureLimit(usdtBefore, rate)
			saedAfter = new(big.Int).Add(saedBefore, out)
			if saedAfter.Cmp(limit) > 0 {
				return fmt.Errorf("%w: exposure %s exceeds limit %s fils", ErrExposureLimit, saedAfter, limit)
			}
			usdtAfter = new(big.Int).Sub(usdtBefore, amountIn)
			saedDelta = out
			conv.AmountOut = out.String()
		case DirectionSAEDToUSDT:
			if saedBefore.Cmp(amountIn) < 0 {
				return ErrInsufficientSAED
			}
			out, ok := fils.FilsToUSDT(amountIn, rate)
			if !ok {
				return fmt.Errorf("%w: bad rate %q", ErrInvalidAmount, rate)
			}
			if out.Sign() <= 0 {
				return fmt.Errorf("%w: amount floors to zero", ErrInvalidAmount)
			}
			usdtAfter = new(big.Int).Add(usdtBefore, out)
			saedAfter = new(big.Int).Sub(saedBefore, amountIn)
			saedDelta = new(big.Int).Neg(amountIn)
			conv.AmountOut = out.String()
		}

		if err := tx.UpdateBalances(ctx, req.EntityType, req.EntityID, usdtAfter, saedAfter); err != nil {
			return err
		}
		conv.USDTAfter = usdtAfter.String()
		conv.SAEDAfter = saedAfter.String()
		if err := tx.InsertConversion(ctx, conv); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &ledger.Entry{
			AccountType:   req.EntityType,
			AccountID:     req.EntityID,
			EntryType:     ledger.EntrySyntheticConversion,
			Amount:        saedDelta.String(),
			Asset:         ledger.AssetSAED,
			BalanceBefore: saedBefore.String(),
			BalanceAfter:  saedAfter.String(),
			Metadata: map[string]string{
				"conversionId": conv.ID,
				"direction":    direction,
				"rate":         rate,
				"amountIn":     conv.AmountIn,
				"amountOut":    conv.AmountOut,
			},
		}); err != nil {
			return err
		}
		if req.EntityType == "merchant" {
			if err := tx.InsertMerchantTransaction(ctx, &ledger.MerchantTransaction{
				MerchantID: req.EntityID,
				Kind:       "conversion",
				Amount:     conv.AmountOut,
				Asset:      outAsset(direction),
				CreatedAt:  conv.CreatedAt,
			}); err != nil {
				return err
			}
		}
		result = conv
		return nil
	})
	if err != nil {
		metrics.ConversionsTotal.WithLabelValues(direction, "error").Inc()
		return nil, err
	}
	if replayed {
		metrics.ConversionsTotal.WithLabelValues(direction, "replayed").Inc()
		return result, nil
	}
	metrics.ConversionsTotal.WithLabelValues(direction, "ok").Inc()
	s.logger.Info("conversion executed",
		"conversionId", result.ID,
		"entity", req.EntityType+":"+req.EntityID,
		"direction", direction,
		"amountIn", result.AmountIn,
		"amountOut", result.AmountOut,
		"rate", result.Rate,
	)
	return result, nil
}

// exposureLimit caps total synthetic AED at a fraction of the account's USDT
// backing valued at the conversion rate, floored.
func (s *Service) exposureLimit(usdtBalance *big.Int, rate string) *big.Int {
	backing, ok := fils.USDTToFils(usdtBalance, rate)
	if !ok {
		return new(big.Int)
	}
	backing.Mul(backing, big.NewInt(s.exposureNum))
	return backing.Quo(backing, big.NewInt(s.exposureDen))
}

// Get returns one conversion by ID.
func (s *Service) Get(ctx context.Context, id string) (*Conversion, error) {
	return s.store.GetConversion(ctx, id)
}

// List returns recent conversions for an entity, newest first.
func (s *Service) List(ctx context.Context, entityType, entityID string, limit int) ([]*Conversion, error) {
	return s.store.ListConversions(ctx, entityType, entityID, limit)
}

func outAsset(direction string) ledger.Asset {
	if direction == DirectionUSDTToSAED {
		return ledger.AssetSAED
	}
	return ledger.AssetUSDT
}
