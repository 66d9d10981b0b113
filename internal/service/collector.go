package service

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/logger"
)

// StatsSnapshot is one periodic sample of the running grid.
type StatsSnapshot struct {
	Timestamp time.Time
	Symbol    string
	Exchange  string

	// Grid
	Low    decimal.Decimal
	High   decimal.Decimal
	Levels int

	// Market
	Price decimal.Decimal

	// Wallet
	BaseCoin     string
	QuoteCoin    string
	BaseBalance  decimal.Decimal
	QuoteBalance decimal.Decimal

	// Orders
	ActiveBuys     int
	ActiveSells    int
	PendingMirrors int
	QueuedEvents   int

	// Performance
	TotalFills      int
	BuyCount        int
	SellCount       int
	AvgBuyPrice     decimal.Decimal
	AvgSellPrice    decimal.Decimal
	TotalFees       decimal.Decimal
	EstimatedProfit decimal.Decimal
}

// InRange reports whether the price sits inside the grid bounds.
func (s StatsSnapshot) InRange() bool {
	return s.Price.GreaterThanOrEqual(s.Low) && s.Price.LessThanOrEqual(s.High)
}

// RangeUtilizationPct is the price position inside the grid, 0 at the low
// bound and 100 at the high bound.
func (s StatsSnapshot) RangeUtilizationPct() decimal.Decimal {
	rng := s.High.Sub(s.Low)
	if !rng.IsPositive() {
		return decimal.Zero
	}
	return s.Price.Sub(s.Low).Div(rng).Mul(decimal.NewFromInt(100))
}

// Equity values the wallet in the quote coin at the current price.
func (s StatsSnapshot) Equity() decimal.Decimal {
	return s.QuoteBalance.Add(s.BaseBalance.Mul(s.Price))
}

// InventoryRatio is the share of equity held in the base coin.
func (s StatsSnapshot) InventoryRatio() decimal.Decimal {
	eq := s.Equity()
	if !eq.IsPositive() {
		return decimal.Zero
	}
	return s.BaseBalance.Mul(s.Price).Div(eq)
}

var statsHeader = []string{
	"timestamp", "exchange", "symbol",
	"grid_levels", "range_min", "range_max",
	"price", "in_range", "range_utilization_pct",
	"base_coin", "balance_base", "quote_coin", "balance_quote", "equity_quote", "inventory_ratio",
	"active_buys", "active_sells", "pending_mirrors", "queued_events",
	"fills_total", "fills_buy", "fills_sell", "avg_buy_price", "avg_sell_price",
	"total_fees_quote", "estimated_profit_quote",
}

// StatsCollector logs each snapshot and appends it to a CSV file.
type StatsCollector struct {
	Path string // empty disables the CSV

	mu sync.Mutex
}

func NewStatsCollector(path string) *StatsCollector {
	return &StatsCollector{Path: path}
}

func (c *StatsCollector) Record(s StatsSnapshot) error {
	logger.Info("📊 Grid stats",
		"symbol", s.Symbol,
		"price", s.Price,
		"in_range", s.InRange(),
		"active_buys", s.ActiveBuys,
		"active_sells", s.ActiveSells,
		"pending_mirrors", s.PendingMirrors,
		"fills", s.TotalFills,
		"buys", s.BuyCount,
		"sells", s.SellCount,
		"fees", s.TotalFees.StringFixed(8),
		"estimated_profit", s.EstimatedProfit.StringFixed(8),
		"equity", s.Equity().StringFixed(2),
	)

	if c.Path == "" {
		return nil
	}
	return c.appendToCSV(s.record())
}

func (s StatsSnapshot) record() []string {
	return []string{
		s.Timestamp.Format(time.RFC3339),
		s.Exchange,
		s.Symbol,

		strconv.Itoa(s.Levels),
		s.Low.String(),
		s.High.String(),

		s.Price.String(),
		strconv.FormatBool(s.InRange()),
		s.RangeUtilizationPct().StringFixed(2),

		s.BaseCoin,
		s.BaseBalance.String(),
		s.QuoteCoin,
		s.QuoteBalance.String(),
		s.Equity().StringFixed(2),
		s.InventoryRatio().StringFixed(4),

		strconv.Itoa(s.ActiveBuys),
		strconv.Itoa(s.ActiveSells),
		strconv.Itoa(s.PendingMirrors),
		strconv.Itoa(s.QueuedEvents),

		strconv.Itoa(s.TotalFills),
		strconv.Itoa(s.BuyCount),
		strconv.Itoa(s.SellCount),
		s.AvgBuyPrice.StringFixed(2),
		s.AvgSellPrice.StringFixed(2),

		s.TotalFees.StringFixed(8),
		s.EstimatedProfit.StringFixed(8),
	}
}

func (c *StatsCollector) appendToCSV(record []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
		return fmt.Errorf("failed to create stats directory: %w", err)
	}

	fileExists := false
	if _, err := os.Stat(c.Path); err == nil {
		fileExists = true
	}

	f, err := os.OpenFile(c.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stats CSV: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !fileExists {
		if err := w.Write(statsHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	if err := w.Write(record); err != nil {
		return fmt.Errorf("failed to write CSV record: %w", err)
	}
	w.Flush()
	return w.Error()
}
