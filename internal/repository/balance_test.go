package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grid-trading-bybit/internal/model"
)

func TestBalanceCache(t *testing.T) {
	c := NewBalanceCache()
	assert.True(t, c.UpdatedAt().IsZero())
	assert.True(t, c.Total("BTC").IsZero())

	c.SetBalances([]model.Balance{
		{Currency: "BTC", Free: d("0.5"), Locked: d("0.25")},
		{Currency: "USDT", Free: d("1000")},
	})
	assert.Equal(t, "0.75", c.Total("BTC").String())
	b, ok := c.Get("USDT")
	assert.True(t, ok)
	assert.Equal(t, "1000", b.Free.String())
	assert.False(t, c.UpdatedAt().IsZero())

	c.SetBalances([]model.Balance{{Currency: "USDT", Free: d("900")}})
	_, ok = c.Get("BTC")
	assert.False(t, ok, "coins missing from a new snapshot are dropped")
	assert.True(t, c.Total("BTC").IsZero())
}
