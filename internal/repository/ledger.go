package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
)

var (
	ErrLedgerClosed = errors.New("ledger closed")
	ErrQueueFull    = errors.New("ledger write queue full")
)

// LedgerWriteError is returned when a write cannot be queued.
type LedgerWriteError struct {
	Op  string
	Err error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

type writeOp struct {
	name  string
	query string
	args  []any
	done  chan struct{} // barrier used by Sync
}

// Ledger persists fills, the active-order table and the event log in SQLite.
// Writes are queued and applied in order by a single writer goroutine.
type Ledger struct {
	db *sql.DB

	// OnWriteFailed is called from the writer goroutine when a statement fails.
	OnWriteFailed func(op string, err error)

	mu     sync.RWMutex
	closed bool
	queue  chan writeOp
	wg     sync.WaitGroup
}

// Event is one row of the bot_logs table.
type Event struct {
	Type      string         `json:"type"`
	Symbol    string         `json:"symbol"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProfitStats summarises the fills of one symbol.
type ProfitStats struct {
	Symbol          string          `json:"symbol"`
	TotalFills      int             `json:"total_fills"`
	BuyCount        int             `json:"buy_count"`
	SellCount       int             `json:"sell_count"`
	AvgBuyPrice     decimal.Decimal `json:"avg_buy_price"`
	AvgSellPrice    decimal.Decimal `json:"avg_sell_price"`
	TotalBuyQty     decimal.Decimal `json:"total_buy_qty"`
	TotalSellQty    decimal.Decimal `json:"total_sell_qty"`
	TotalSpent      decimal.Decimal `json:"total_spent"`
	TotalEarned     decimal.Decimal `json:"total_earned"`
	TotalFees       decimal.Decimal `json:"total_fees"`
	EstimatedProfit decimal.Decimal `json:"estimated_profit"`
}

func NewLedger(dbPath string, queueLen int) (*Ledger, error) {
	if dbPath == "" {
		dbPath = "./data/grid_bot.db"
	}
	if queueLen <= 0 {
		queueLen = 1024
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db, queue: make(chan writeOp, queueLen)}
	if err := l.initializeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	logger.Info("SQLite ledger ready", "path", dbPath, "queue", queueLen)

	l.wg.Add(1)
	go l.writer()
	return l, nil
}

func (l *Ledger) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		order_link_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		qty TEXT NOT NULL,
		fee TEXT,
		fee_currency TEXT,
		timestamp INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS active_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL UNIQUE,
		order_link_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		qty TEXT NOT NULL,
		grid_level INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bot_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		symbol TEXT,
		message TEXT NOT NULL,
		details TEXT,
		timestamp INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fills_symbol_timestamp ON fills (symbol, timestamp);
	CREATE INDEX IF NOT EXISTS idx_active_orders_symbol ON active_orders (symbol);
	CREATE INDEX IF NOT EXISTS idx_bot_logs_event_type ON bot_logs (event_type, timestamp);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

func (l *Ledger) writer() {
	defer l.wg.Done()
	for op := range l.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		if _, err := l.db.Exec(op.query, op.args...); err != nil {
			logger.Error("Ledger write failed", "op", op.name, "error", err)
			if l.OnWriteFailed != nil {
				l.OnWriteFailed(op.name, err)
			}
		}
	}
}

func (l *Ledger) enqueue(op writeOp) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return &LedgerWriteError{Op: op.name, Err: ErrLedgerClosed}
	}
	select {
	case l.queue <- op:
		return nil
	default:
		return &LedgerWriteError{Op: op.name, Err: ErrQueueFull}
	}
}

// RecordFill appends fill to the fills table.
func (l *Ledger) RecordFill(fill model.Fill) error {
	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return l.enqueue(writeOp{
		name: "record_fill",
		query: `INSERT INTO fills (order_id, order_link_id, symbol, side, price, qty, fee, fee_currency, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			fill.OrderID, fill.ClientOrderID, fill.Symbol, string(fill.Side),
			fill.Price.String(), fill.Qty.String(), fill.Fee.String(), fill.FeeCurrency,
			ts.UnixMilli(), time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// SaveActiveOrder upserts order keyed by its exchange order id.
func (l *Ledger) SaveActiveOrder(order model.Order) error {
	var level any
	if order.GridLevel != nil {
		level = *order.GridLevel
	}
	created := order.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return l.enqueue(writeOp{
		name: "save_active_order",
		query: `INSERT INTO active_orders (order_id, order_link_id, symbol, side, price, qty, grid_level, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET
				order_link_id = excluded.order_link_id,
				side = excluded.side,
				price = excluded.price,
				qty = excluded.qty,
				grid_level = excluded.grid_level`,
		args: []any{
			order.OrderID, order.ClientOrderID, order.Symbol, string(order.Side),
			order.Price.String(), order.Qty.String(), level, created.UTC().Format(time.RFC3339Nano),
		},
	})
}

func (l *Ledger) RemoveActiveOrder(orderID string) error {
	return l.enqueue(writeOp{
		name:  "remove_active_order",
		query: `DELETE FROM active_orders WHERE order_id = ?`,
		args:  []any{orderID},
	})
}

func (l *Ledger) ClearActiveOrders(symbol string) error {
	return l.enqueue(writeOp{
		name:  "clear_active_orders",
		query: `DELETE FROM active_orders WHERE symbol = ?`,
		args:  []any{symbol},
	})
}

// LogEvent appends a row to bot_logs. details is stored as JSON.
func (l *Ledger) LogEvent(eventType, symbol, message string, details map[string]any) error {
	var raw any
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return &LedgerWriteError{Op: "log_event", Err: err}
		}
		raw = string(b)
	}
	now := time.Now()
	return l.enqueue(writeOp{
		name: "log_event",
		query: `INSERT INTO bot_logs (event_type, symbol, message, details, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		args: []any{eventType, symbol, message, raw, now.UnixMilli(), now.UTC().Format(time.RFC3339)},
	})
}

// Sync waits until every write queued before the call has been applied.
func (l *Ledger) Sync(ctx context.Context) error {
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return &LedgerWriteError{Op: "sync", Err: ErrLedgerClosed}
	}
	// The barrier blocks rather than failing on a full queue.
	select {
	case l.queue <- writeOp{name: "sync", done: done}:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes, drains the queue and closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	logger.Info("Closing SQLite ledger")
	return l.db.Close()
}

// QueueLen reports the number of writes waiting for the writer.
func (l *Ledger) QueueLen() int {
	return len(l.queue)
}

func (l *Ledger) Trades(ctx context.Context, symbol string, limit int) ([]model.Fill, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT order_id, COALESCE(order_link_id, ''), symbol, side, price, qty, COALESCE(fee, '0'), COALESCE(fee_currency, ''), timestamp
		FROM fills WHERE symbol = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var (
			f                     model.Fill
			side, price, qty, fee string
			ts                    int64
		)
		if err := rows.Scan(&f.OrderID, &f.ClientOrderID, &f.Symbol, &side, &price, &qty, &fee, &f.FeeCurrency, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = model.Side(side)
		f.Price = parseDecimal(price)
		f.Qty = parseDecimal(qty)
		f.Fee = parseDecimal(fee)
		f.Timestamp = time.UnixMilli(ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (l *Ledger) ActiveOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT order_id, COALESCE(order_link_id, ''), symbol, side, price, qty, grid_level, created_at
		FROM active_orders WHERE symbol = ? ORDER BY id`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o                         model.Order
			side, price, qty, created string
			level                     sql.NullInt64
		)
		if err := rows.Scan(&o.OrderID, &o.ClientOrderID, &o.Symbol, &side, &price, &qty, &level, &created); err != nil {
			return nil, fmt.Errorf("failed to scan active order: %w", err)
		}
		o.Side = model.Side(side)
		o.Price = parseDecimal(price)
		o.Qty = parseDecimal(qty)
		o.Status = model.StatusNew
		if level.Valid {
			lvl := int(level.Int64)
			o.GridLevel = &lvl
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (l *Ledger) Events(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, COALESCE(symbol, ''), message, details, timestamp
		FROM bot_logs WHERE (? = '' OR event_type = ?) ORDER BY id DESC LIMIT ?`, eventType, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.Type, &e.Symbol, &e.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ProfitStats aggregates the fills of symbol. Fees charged in the base coin
// are converted to the quote coin at the fill price.
func (l *Ledger) ProfitStats(ctx context.Context, symbol string) (*ProfitStats, error) {
	fills, err := l.Trades(ctx, symbol, 0)
	if err != nil {
		return nil, err
	}

	stats := &ProfitStats{Symbol: symbol}
	var buyPriceSum, sellPriceSum decimal.Decimal
	for _, f := range fills {
		stats.TotalFills++
		notional := f.Price.Mul(f.Qty)
		switch f.Side {
		case model.SideBuy:
			stats.BuyCount++
			buyPriceSum = buyPriceSum.Add(f.Price)
			stats.TotalBuyQty = stats.TotalBuyQty.Add(f.Qty)
			stats.TotalSpent = stats.TotalSpent.Add(notional)
		case model.SideSell:
			stats.SellCount++
			sellPriceSum = sellPriceSum.Add(f.Price)
			stats.TotalSellQty = stats.TotalSellQty.Add(f.Qty)
			stats.TotalEarned = stats.TotalEarned.Add(notional)
		}
		stats.TotalFees = stats.TotalFees.Add(quoteFee(f))
	}
	if stats.BuyCount > 0 {
		stats.AvgBuyPrice = buyPriceSum.Div(decimal.NewFromInt(int64(stats.BuyCount)))
	}
	if stats.SellCount > 0 {
		stats.AvgSellPrice = sellPriceSum.Div(decimal.NewFromInt(int64(stats.SellCount)))
	}
	stats.EstimatedProfit = stats.TotalEarned.Sub(stats.TotalSpent).Sub(stats.TotalFees)
	return stats, nil
}

func quoteFee(f model.Fill) decimal.Decimal {
	if f.FeeCurrency != "" && len(f.Symbol) > len(f.FeeCurrency) && f.Symbol[:len(f.FeeCurrency)] == f.FeeCurrency {
		return f.Fee.Mul(f.Price)
	}
	return f.Fee
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
