package repository

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/model"
)

// BalanceCache holds the last wallet snapshot fetched from the exchange.
type BalanceCache struct {
	mu        sync.RWMutex
	cache     map[string]model.Balance
	updatedAt time.Time
}

func NewBalanceCache() *BalanceCache {
	return &BalanceCache{
		cache: make(map[string]model.Balance),
	}
}

// SetBalances replaces the snapshot. Bybit omits zero balances, so coins that
// are missing from the new snapshot read as zero afterwards.
func (r *BalanceCache) SetBalances(balances []model.Balance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache = make(map[string]model.Balance, len(balances))
	for _, b := range balances {
		r.cache[b.Currency] = b
	}
	r.updatedAt = time.Now()
}

func (r *BalanceCache) Get(currency string) (model.Balance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.cache[currency]
	return b, ok
}

// Total returns free plus locked for currency, zero when unknown.
func (r *BalanceCache) Total(currency string) decimal.Decimal {
	b, ok := r.Get(currency)
	if !ok {
		return decimal.Zero
	}
	return b.Free.Add(b.Locked)
}

func (r *BalanceCache) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}
