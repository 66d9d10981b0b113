// Package grid holds the pure price-ladder arithmetic of the bot: building the
// ladder, splitting it into the initial buy/sell set and deriving the mirror
// order for a fill. Nothing here performs I/O.
package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/model"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidRange      = fmt.Errorf("%w: lower bound must be below upper bound", ErrValidation)
	ErrInvalidLevelCount = fmt.Errorf("%w: invalid grid level count", ErrValidation)
)

// PricePlaces returns the rounding precision used for a ladder spanning rng.
func PricePlaces(rng decimal.Decimal) int32 {
	switch {
	case rng.GreaterThan(decimal.NewFromInt(10000)):
		return 0
	case rng.GreaterThan(decimal.NewFromInt(1000)):
		return 1
	case rng.GreaterThan(decimal.NewFromInt(100)):
		return 2
	default:
		return 4
	}
}

// BuildGrid returns levels+1 linearly spaced prices from low to high, rounded
// half-to-even at a precision picked from the size of the range.
func BuildGrid(low, high decimal.Decimal, levels int) ([]decimal.Decimal, error) {
	if low.GreaterThanOrEqual(high) {
		return nil, fmt.Errorf("%w (low=%s, high=%s)", ErrInvalidRange, low, high)
	}
	if levels < 2 {
		return nil, fmt.Errorf("%w: need at least 2, got %d", ErrInvalidLevelCount, levels)
	}

	rng := high.Sub(low)
	places := PricePlaces(rng)
	step := rng.Div(decimal.NewFromInt(int64(levels)))

	prices := make([]decimal.Decimal, levels+1)
	for i := 0; i <= levels; i++ {
		p := low.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if i == levels {
			p = high
		}
		prices[i] = p.RoundBank(places)
	}

	for i := 1; i < len(prices); i++ {
		if !prices[i].GreaterThan(prices[i-1]) {
			return nil, fmt.Errorf("%w: step %s is below price precision of %d places", ErrInvalidLevelCount, step, places)
		}
	}
	return prices, nil
}

// Levels pairs every price with its ladder index.
func Levels(prices []decimal.Decimal) []model.GridLevel {
	levels := make([]model.GridLevel, len(prices))
	for i, p := range prices {
		levels[i] = model.GridLevel{Index: i, Price: p}
	}
	return levels
}

// InitialOrders splits the ladder around mid. A level priced exactly at mid
// gets no order.
func InitialOrders(prices []decimal.Decimal, mid, qty decimal.Decimal) (buys, sells []model.Order) {
	for i, p := range prices {
		idx := i
		order := model.Order{
			Price:     p,
			Qty:       qty,
			GridLevel: &idx,
			Status:    model.StatusNew,
		}
		switch p.Cmp(mid) {
		case -1:
			order.Side = model.SideBuy
			buys = append(buys, order)
		case 1:
			order.Side = model.SideSell
			sells = append(sells, order)
		}
	}
	return buys, sells
}

// NearestGridLevel returns the index of the ladder price closest to price.
// Ties resolve to the first (lowest) index. Returns -1 for an empty ladder.
func NearestGridLevel(price decimal.Decimal, prices []decimal.Decimal) int {
	best := -1
	var bestDiff decimal.Decimal
	for i, p := range prices {
		diff := p.Sub(price).Abs()
		if best == -1 || diff.LessThan(bestDiff) {
			best = i
			bestDiff = diff
		}
	}
	return best
}

// MirrorOrder derives the order placed after filled executes: a Buy fill
// yields a Sell one level up, a Sell fill a Buy one level down. It returns nil
// when the target is outside the ladder or an active order already rests at
// that price on that side.
func MirrorOrder(filled model.Order, prices []decimal.Decimal, qty decimal.Decimal, active []model.Order) *model.Order {
	target, ok := MirrorLevel(filled, prices)
	if !ok {
		return nil
	}

	side := filled.Side.Opposite()
	price := prices[target]
	if Occupied(price, side, active) {
		return nil
	}

	return &model.Order{
		Symbol:    filled.Symbol,
		Side:      side,
		Price:     price,
		Qty:       qty,
		GridLevel: &target,
		Status:    model.StatusNew,
	}
}

// MirrorLevel returns the ladder index a mirror of filled targets and whether
// it lies inside the ladder.
func MirrorLevel(filled model.Order, prices []decimal.Decimal) (int, bool) {
	idx := NearestGridLevel(filled.Price, prices)
	if idx < 0 {
		return -1, false
	}
	target := idx - 1
	if filled.Side == model.SideBuy {
		target = idx + 1
	}
	if target < 0 || target >= len(prices) {
		return target, false
	}
	return target, true
}

// Occupied reports whether an active order rests at price on side.
func Occupied(price decimal.Decimal, side model.Side, active []model.Order) bool {
	for _, o := range active {
		if o.Side == side && o.Price.Equal(price) {
			return true
		}
	}
	return false
}
