// Package fils provides fixed-point arithmetic for the two currencies the
// core settles: USDT in micro-units (1 USDT = 1,000,000 units) and synthetic
// AED in fils (1 AED = 100 fils).
//
// All conversions floor; the platform never creates value through rounding.
package fils

import (
	"math/big"
	"strings"
)

const (
	// USDTDecimals is the number of decimal places in a USDT amount.
	USDTDecimals = 6
	// AEDDecimals is the number of decimal places in an AED amount.
	AEDDecimals = 2
)

// ParseUSDT converts a decimal string (e.g. "1.50") to micro-units (1500000).
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func ParseUSDT(s string) (*big.Int, bool) {
	return parse(s, USDTDecimals)
}

// ParseAED converts a decimal AED string (e.g. "367.34") to fils (36734).
func ParseAED(s string) (*big.Int, bool) {
	return parse(s, AEDDecimals)
}

func parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals] // truncation floors

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// FormatUSDT converts micro-units to a decimal string with 6 places.
func FormatUSDT(amount *big.Int) string {
	return format(amount, USDTDecimals)
}

// FormatAED converts fils to a decimal string with 2 places.
func FormatAED(amount *big.Int) string {
	return format(amount, AEDDecimals)
}

func format(amount *big.Int, decimals int) string {
	zero := "0." + strings.Repeat("0", decimals)
	if amount == nil {
		return zero
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// USDTToFils converts USDT micro-units to sAED fils at the given rate
// (AED per USDT, e.g. 3.67), flooring the result.
//
// fils = micro * rate * 100 / 1e6, computed as micro * rateNum * 100 /
// (1e6 * rateDen) in integer arithmetic.
func USDTToFils(micro *big.Int, rate string) (*big.Int, bool) {
	rateNum, rateDen, ok := parseRate(rate)
	if !ok {
		return nil, false
	}
	num := new(big.Int).Mul(micro, rateNum)
	num.Mul(num, big.NewInt(100))
	den := new(big.Int).Mul(big.NewInt(1_000_000), rateDen)
	return num.Quo(num, den), true
}

// FilsToUSDT converts sAED fils to USDT micro-units at the given rate,
// flooring the result.
func FilsToUSDT(f *big.Int, rate string) (*big.Int, bool) {
	rateNum, rateDen, ok := parseRate(rate)
	if !ok || rateNum.Sign() == 0 {
		return nil, false
	}
	num := new(big.Int).Mul(f, big.NewInt(1_000_000))
	num.Mul(num, rateDen)
	den := new(big.Int).Mul(big.NewInt(100), rateNum)
	return num.Quo(num, den), true
}

// FeeFils computes round(amountFils * feePct / 100) with half-up rounding,
// matching how the corridor quotes LP fees on whole-fils amounts.
func FeeFils(amountFils *big.Int, feePct string) (*big.Int, bool) {
	// fee percentages carry at most 2 decimals (e.g. "2.5")
	pctNum, pctDen, ok := parseRate(feePct)
	if !ok {
		return nil, false
	}
	num := new(big.Int).Mul(amountFils, pctNum)
	den := new(big.Int).Mul(big.NewInt(100), pctDen)
	// half-up: (num*2 + den) / (den*2)
	twice := new(big.Int).Lsh(num, 1)
	twice.Add(twice, den)
	return twice.Quo(twice, new(big.Int).Lsh(den, 1)), true
}

// parseRate parses a non-negative decimal into numerator/denominator form.
func parseRate(s string) (num, den *big.Int, ok bool) {
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, nil, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, nil, false
	}
	digits := parts[0]
	den = big.NewInt(1)
	if len(parts) == 2 {
		digits += parts[1]
		den = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(parts[1]))), nil)
	}
	num, valid := new(big.Int).SetString(digits, 10)
	if !valid {
		return nil, nil, false
	}
	return num, den, true
}
