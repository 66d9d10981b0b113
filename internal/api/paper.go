package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
)

// Codes the paper exchange answers with, taken from the Bybit error table.
const (
	CodeOrderNotFound = 110001
	CodeInvalidParams = 10001
)

// TickerSource supplies market prices to the paper exchange.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (*model.Ticker, error)
}

// PaperExchange is an in-memory exchange for dry runs. It accepts orders,
// hands out synthetic order ids and pushes fills through Updates, so the
// engine runs the same event path it does against Bybit.
type PaperExchange struct {
	Prices   TickerSource // optional; the static ticker is used when nil
	FeeRate  decimal.Decimal
	Balances []model.Balance

	mu      sync.Mutex
	ticker  model.Ticker
	orders  map[string]*model.Order
	ids     []string // placement order
	updates chan model.OrderUpdate
	done    chan struct{}
	once    sync.Once
}

func NewPaperExchange(ticker model.Ticker) *PaperExchange {
	return &PaperExchange{
		FeeRate: decimal.RequireFromString("0.001"),
		ticker:  ticker,
		orders:  make(map[string]*model.Order),
		updates: make(chan model.OrderUpdate, 256),
		done:    make(chan struct{}),
	}
}

func (p *PaperExchange) SetTicker(t model.Ticker) {
	p.mu.Lock()
	p.ticker = t
	p.mu.Unlock()
}

func (p *PaperExchange) GetTicker(ctx context.Context, symbol string) (*model.Ticker, error) {
	if p.Prices != nil {
		return p.Prices.GetTicker(ctx, symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker.Symbol != symbol || !p.ticker.LastPrice.IsPositive() {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrNotFound)
	}
	t := p.ticker
	t.Time = time.Now()
	return &t, nil
}

func (p *PaperExchange) PlaceOrder(_ context.Context, req model.OrderRequest) (string, error) {
	if !req.Qty.IsPositive() {
		return "", &ExchangeError{Code: CodeInvalidParams, Message: "qty must be positive"}
	}
	if req.Type == model.OrderTypeLimit && !req.Price.IsPositive() {
		return "", &ExchangeError{Code: CodeInvalidParams, Message: "price must be positive"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("paper-%d", len(p.ids)+1)
	p.ids = append(p.ids, id)
	p.orders[id] = &model.Order{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        model.StatusNew,
		CreatedAt:     time.Now(),
	}
	logger.Info("[PAPER] Order accepted", "order_id", id, "side", req.Side, "price", req.Price, "qty", req.Qty)
	return id, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol || !o.Status.Open() {
		p.mu.Unlock()
		return &ExchangeError{Code: CodeOrderNotFound, Message: "order not exists or too late to cancel"}
	}
	o.Status = model.StatusCancelled
	update := p.update(o)
	p.mu.Unlock()

	p.publish(update)
	return nil
}

func (p *PaperExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	open, _ := p.GetOpenOrders(ctx, symbol)
	for _, o := range open {
		if err := p.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			return err
		}
	}
	return nil
}

func (p *PaperExchange) GetOpenOrders(_ context.Context, symbol string) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var open []model.Order
	for _, id := range p.ids {
		if o := p.orders[id]; o.Symbol == symbol && o.Status.Open() {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (p *PaperExchange) GetOrder(_ context.Context, symbol, orderID string) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (p *PaperExchange) GetWalletBalance(_ context.Context, coins ...string) ([]model.Balance, error) {
	if len(coins) == 0 {
		return append([]model.Balance(nil), p.Balances...), nil
	}
	var out []model.Balance
	for _, b := range p.Balances {
		for _, c := range coins {
			if b.Currency == c {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (p *PaperExchange) SyncTime(context.Context) error { return nil }

// Fill executes a resting order at its limit price and publishes the update.
func (p *PaperExchange) Fill(orderID string) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || !o.Status.Open() {
		p.mu.Unlock()
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	o.Status = model.StatusFilled
	o.AvgPrice = o.Price
	o.CumExecQty = o.Qty
	if o.Side == model.SideBuy {
		o.CumExecFee = o.Qty.Mul(p.FeeRate)
		o.FeeCurrency = baseCoin(o.Symbol)
	} else {
		o.CumExecFee = o.Qty.Mul(o.Price).Mul(p.FeeRate)
		o.FeeCurrency = quoteCoin(o.Symbol)
	}
	update := p.update(o)
	p.mu.Unlock()

	logger.Info("[PAPER] Order filled", "order_id", orderID, "side", o.Side, "price", o.Price)
	p.publish(update)
	return nil
}

// Simulate fills every second open order, oldest first, pausing between
// fills. It stops early when ctx is cancelled or the exchange is closed.
func (p *PaperExchange) Simulate(ctx context.Context, symbol string, pause time.Duration) {
	open, _ := p.GetOpenOrders(ctx, symbol)
	logger.Info("[PAPER] Simulating order execution", "candidates", len(open))
	for i, o := range open {
		if i%2 != 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-time.After(pause):
		}
		if err := p.Fill(o.OrderID); err != nil {
			logger.Debug("[PAPER] Skipping simulated fill", "order_id", o.OrderID, "error", err)
		}
	}
}

func (p *PaperExchange) Updates() <-chan model.OrderUpdate {
	return p.updates
}

// Run blocks until ctx is done or Close is called.
func (p *PaperExchange) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-p.done:
	}
	return nil
}

func (p *PaperExchange) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *PaperExchange) update(o *model.Order) model.OrderUpdate {
	return model.OrderUpdate{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         o.Price,
		Qty:           o.Qty,
		AvgPrice:      o.AvgPrice,
		CumExecQty:    o.CumExecQty,
		CumExecFee:    o.CumExecFee,
		FeeCurrency:   o.FeeCurrency,
		Status:        o.Status,
		UpdatedAt:     time.Now(),
	}
}

func (p *PaperExchange) publish(u model.OrderUpdate) {
	select {
	case p.updates <- u:
	case <-p.done:
	}
}

var quoteCoins = []string{"USDT", "USDC", "BTC", "ETH", "EUR"}

func quoteCoin(symbol string) string {
	for _, q := range quoteCoins {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return q
		}
	}
	return ""
}

func baseCoin(symbol string) string {
	q := quoteCoin(symbol)
	return symbol[:len(symbol)-len(q)]
}

// SplitSymbol returns the base and quote coins of a spot symbol such as BTCUSDT.
func SplitSymbol(symbol string) (base, quote string) {
	return baseCoin(symbol), quoteCoin(symbol)
}
