// Package calc implements the pure, stateless base-unit fixed-point
// arithmetic contract used throughout the worker.
package calc

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ToBase converts a non-negative decimal value to base units at the given
// exponent, truncating toward zero: floor(d * 10^exp).
func ToBase(d decimal.Decimal, exp uint32) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid input: decimal %s is negative", d.String())
	}
	scaled := d.Mul(decimal.New(1, int32(exp)))
	return uint64(scaled.IntPart()), nil
}

// FromBase converts base units back to an exact decimal value.
func FromBase(b uint64, exp uint32) decimal.Decimal {
	return decimal.NewFromInt(int64(b)).Div(decimal.New(1, int32(exp)))
}

// BidLevelsUSD computes n bid prices in base units, strictly decreasing,
// best_bid = mid - spread/2; bid[i] = best_bid - spacing*i.
func BidLevelsUSD(midBase uint64, spreadUSD, spacingUSD float64, n uint32, tradingDecimals uint32) ([]uint64, error) {
	mid := FromBase(midBase, tradingDecimals)
	spread := decimal.NewFromFloat(spreadUSD)
	spacing := decimal.NewFromFloat(spacingUSD)

	bestBid := mid.Sub(spread.Div(decimal.NewFromInt(2)))

	out := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		price := bestBid.Sub(spacing.Mul(decimal.NewFromInt(int64(i))))
		base, err := ToBase(price, tradingDecimals)
		if err != nil {
			return nil, fmt.Errorf("bid level %d: %w", i, err)
		}
		out[i] = base
	}
	return out, nil
}

// AskLevelsUSD computes n ask prices in base units, strictly increasing,
// best_ask = mid + spread/2; ask[i] = best_ask + spacing*i.
func AskLevelsUSD(midBase uint64, spreadUSD, spacingUSD float64, n uint32, tradingDecimals uint32) ([]uint64, error) {
	mid := FromBase(midBase, tradingDecimals)
	spread := decimal.NewFromFloat(spreadUSD)
	spacing := decimal.NewFromFloat(spacingUSD)

	bestAsk := mid.Add(spread.Div(decimal.NewFromInt(2)))

	out := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		price := bestAsk.Add(spacing.Mul(decimal.NewFromInt(int64(i))))
		base, err := ToBase(price, tradingDecimals)
		if err != nil {
			return nil, fmt.Errorf("ask level %d: %w", i, err)
		}
		out[i] = base
	}
	return out, nil
}

// FactorToPPM converts a decimal factor (e.g. 0.2) to an integer
// parts-per-million value (e.g. 200_000), truncating toward zero.
func FactorToPPM(factor float64) uint64 {
	ppm := decimal.NewFromFloat(factor).Mul(decimal.NewFromInt(1_000_000))
	return uint64(ppm.IntPart())
}

// Margin computes the margin requirement in settlement base units:
// to_base(from_base(price) * from_base(qty) * (factor_ppm / 1e6), settlementDecimals).
// marginFactorPPM is an integer in parts-per-million (200_000 == 20%).
func Margin(priceBase, qtyBase uint64, marginFactorPPM uint64, tradingDecimals, settlementDecimals uint32) (uint64, error) {
	price := FromBase(priceBase, tradingDecimals)
	qty := FromBase(qtyBase, tradingDecimals)
	factor := decimal.NewFromInt(int64(marginFactorPPM)).Div(decimal.NewFromInt(1_000_000))

	notional := price.Mul(qty).Mul(factor)
	return ToBase(notional, settlementDecimals)
}
