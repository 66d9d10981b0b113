package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
)

var ErrInvalidPrice = errors.New("invalid market price")

var (
	MinRangePct      = decimal.RequireFromString("0.005")
	FallbackRangePct = decimal.RequireFromString("0.02")
)

// Bounds is a grid range derived from the market.
type Bounds struct {
	Low      decimal.Decimal
	High     decimal.Decimal
	RangePct decimal.Decimal
	Price    decimal.Decimal
}

// RangePct returns half of the 24h high-low spread relative to the last
// price, floored at MinRangePct. ok is false when the 24h data is unusable.
func RangePct(t model.Ticker) (pct decimal.Decimal, ok bool) {
	if !t.LastPrice.IsPositive() || !t.High24h.IsPositive() || !t.Low24h.IsPositive() || t.High24h.LessThan(t.Low24h) {
		return FallbackRangePct, false
	}
	volatility := t.High24h.Sub(t.Low24h).Div(t.LastPrice)
	return decimal.Max(MinRangePct, volatility.Div(decimal.NewFromInt(2))), true
}

// RoundBound rounds a derived bound by the magnitude of the reference price:
// hundreds above 10000, tens above 1000, units above 100, cents otherwise.
func RoundBound(v, price decimal.Decimal) decimal.Decimal {
	switch {
	case price.GreaterThan(decimal.NewFromInt(10000)):
		return v.RoundBank(-2)
	case price.GreaterThan(decimal.NewFromInt(1000)):
		return v.RoundBank(-1)
	case price.GreaterThan(decimal.NewFromInt(100)):
		return v.RoundBank(0)
	default:
		return v.RoundBank(2)
	}
}

// DeriveBounds centres a range of ±RangePct on the last price.
func DeriveBounds(t model.Ticker) (Bounds, error) {
	if !t.LastPrice.IsPositive() {
		return Bounds{}, fmt.Errorf("%w: %s last price %s", ErrInvalidPrice, t.Symbol, t.LastPrice)
	}

	pct, ok := RangePct(t)
	if !ok {
		logger.Warn("⚠️ 24h range unavailable, using fallback range", "symbol", t.Symbol, "range_pct", pct)
	}

	one := decimal.NewFromInt(1)
	b := Bounds{
		Low:      RoundBound(t.LastPrice.Mul(one.Sub(pct)), t.LastPrice),
		High:     RoundBound(t.LastPrice.Mul(one.Add(pct)), t.LastPrice),
		RangePct: pct,
		Price:    t.LastPrice,
	}
	if !b.Low.LessThan(b.High) {
		return Bounds{}, fmt.Errorf("%w: derived range %s-%s is empty", ErrInvalidPrice, b.Low, b.High)
	}
	return b, nil
}
