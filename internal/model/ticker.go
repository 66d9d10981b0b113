package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the 24h market snapshot used to seed the grid.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	High24h   decimal.Decimal `json:"highPrice24h"`
	Low24h    decimal.Decimal `json:"lowPrice24h"`
	Time      time.Time       `json:"time"`
}
