package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-trading-bybit/internal/api"
	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
	"grid-trading-bybit/internal/repository"
	"grid-trading-bybit/internal/service"
)

// UpdateSource delivers order updates: the private stream, or the paper
// exchange in test mode. Run returns nil when ctx ends and an error when the
// source has failed for good.
type UpdateSource interface {
	Updates() <-chan model.OrderUpdate
	Run(ctx context.Context) error
	Close() error
}

// Resubscriber is implemented by sources that can lose events while they
// reconnect. Each value received means the engine must resync from REST.
type Resubscriber interface {
	Resubscribed() <-chan struct{}
}

type BalanceSource interface {
	GetWalletBalance(ctx context.Context, coins ...string) ([]model.Balance, error)
}

// OrderStore is the ledger view used to find orders left over by a previous run.
type OrderStore interface {
	ActiveOrders(ctx context.Context, symbol string) ([]model.Order, error)
	ClearActiveOrders(symbol string) error
}

type BotConfig struct {
	Symbol          string
	StatsInterval   time.Duration
	ShutdownTimeout time.Duration
	SimulatePause   time.Duration // test mode only
}

// Bot wires the engine to its update source and runs the periodic jobs.
type Bot struct {
	Cfg       BotConfig
	Engine    *Engine
	Exchange  Exchange
	Source    UpdateSource
	Wallet    BalanceSource
	Balances  *repository.BalanceCache
	Store     OrderStore
	Collector *service.StatsCollector
	Notifier  service.Notifier
	Paper     *api.PaperExchange // set in test mode

	base, quote string
}

func NewBot(cfg BotConfig, engine *Engine, exchange Exchange, source UpdateSource, notifier service.Notifier) *Bot {
	if notifier == nil {
		notifier = service.NopNotifier{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.SimulatePause <= 0 {
		cfg.SimulatePause = 2 * time.Second
	}
	b := &Bot{
		Cfg:      cfg,
		Engine:   engine,
		Exchange: exchange,
		Source:   source,
		Notifier: notifier,
		Balances: repository.NewBalanceCache(),
	}
	b.base, b.quote = api.SplitSymbol(cfg.Symbol)
	return b
}

// Run starts the grid and blocks until ctx is cancelled or the update
// source fails. Active orders are cancelled before it returns. A nil
// result means a requested stop.
func (b *Bot) Run(ctx context.Context) error {
	logger.Info("Starting Bot loop", "symbol", b.Cfg.Symbol, "paper", b.Paper != nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.recoverStaleOrders(runCtx)

	sourceErr := make(chan error, 1)
	go func() { sourceErr <- b.Source.Run(runCtx) }()
	go b.forward(runCtx)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = b.Engine.Run(runCtx)
	}()

	var result error
	if err := b.Engine.Initialize(runCtx); err != nil && runCtx.Err() == nil {
		result = fmt.Errorf("failed to initialize grid: %w", err)
	} else {
		if b.Paper != nil {
			go b.Paper.Simulate(runCtx, b.Cfg.Symbol, b.Cfg.SimulatePause)
		}
		b.collectStats(runCtx)
		result = b.loop(ctx, sourceErr)
	}

	cancel()
	<-engineDone
	b.shutdown()
	return result
}

func (b *Bot) loop(ctx context.Context, sourceErr <-chan error) error {
	var stats <-chan time.Time
	if b.Cfg.StatsInterval > 0 {
		t := time.NewTicker(b.Cfg.StatsInterval)
		defer t.Stop()
		stats = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Shutdown requested", "reason", context.Cause(ctx))
			return nil

		case err := <-sourceErr:
			if err == nil {
				logger.Warn("⚠️ Update source stopped")
				return nil
			}
			logger.Error("❌ Order stream lost, stopping the grid", "error", err)
			b.Notifier.NotifyDisconnect(b.Cfg.Symbol, err)
			return err

		case <-stats:
			b.collectStats(ctx)
		}
	}
}

// forward moves source updates into the engine queue and turns stream
// resubscriptions into reconcile requests.
func (b *Bot) forward(ctx context.Context) {
	updates := b.Source.Updates()
	var resubscribed <-chan struct{}
	if r, ok := b.Source.(Resubscriber); ok {
		resubscribed = r.Resubscribed()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			b.Engine.Enqueue(u)
		case <-resubscribed:
			logger.Info("🔄 Order stream resubscribed, resyncing active orders")
			b.Engine.RequestReconcile()
		}
	}
}

func (b *Bot) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), b.Cfg.ShutdownTimeout)
	defer cancel()

	// Nothing reads the source any more, so close it before the cancel echoes arrive.
	if err := b.Source.Close(); err != nil {
		logger.Warn("Failed to close update source", "error", err)
	}
	if err := b.Engine.Shutdown(ctx); err != nil {
		logger.Error("⚠️ Grid shutdown incomplete", "error", err)
	}
	b.collectStats(ctx)
	logger.Info("✅ Bot stopped", "symbol", b.Cfg.Symbol)
}

// recoverStaleOrders cancels orders a previous run left on the book. They are
// not tracked by the new grid and would otherwise never be mirrored or
// cancelled.
func (b *Bot) recoverStaleOrders(ctx context.Context) {
	if b.Store == nil {
		return
	}
	stale, err := b.Store.ActiveOrders(ctx, b.Cfg.Symbol)
	if err != nil {
		logger.Warn("Failed to read active orders from the ledger", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	logger.Warn("⚠️ Found orders from a previous run, cancelling", "count", len(stale))
	for _, o := range stale {
		err := b.Exchange.CancelOrder(ctx, b.Cfg.Symbol, o.OrderID)
		var ee *api.ExchangeError
		switch {
		case err == nil:
			logger.Info("Stale order cancelled", "order_id", o.OrderID, "side", o.Side, "price", o.Price)
		case errors.As(err, &ee) && ee.Code == api.CodeOrderNotFound:
			logger.Debug("Stale order already closed", "order_id", o.OrderID)
		default:
			logger.Warn("Failed to cancel stale order", "order_id", o.OrderID, "error", err)
		}
	}
	if err := b.Store.ClearActiveOrders(b.Cfg.Symbol); err != nil {
		logger.Warn("Failed to clear stale orders from the ledger", "error", err)
	}
}

func (b *Bot) collectStats(ctx context.Context) {
	if b.Collector == nil {
		return
	}

	s, err := b.Engine.Stats(ctx)
	if err != nil {
		logger.Warn("Failed to read engine stats", "error", err)
	}
	snap := service.StatsSnapshot{
		Timestamp:      time.Now().UTC(),
		Symbol:         b.Cfg.Symbol,
		Exchange:       "bybit",
		Low:            s.Low,
		High:           s.High,
		Levels:         s.Levels,
		BaseCoin:       b.base,
		QuoteCoin:      b.quote,
		ActiveBuys:     s.ActiveBuys,
		ActiveSells:    s.ActiveSells,
		PendingMirrors: s.PendingMirrors,
		QueuedEvents:   s.QueuedEvents,
	}
	if b.Paper != nil {
		snap.Exchange = "paper"
	}
	if p := s.Profit; p != nil {
		snap.TotalFills = p.TotalFills
		snap.BuyCount = p.BuyCount
		snap.SellCount = p.SellCount
		snap.AvgBuyPrice = p.AvgBuyPrice
		snap.AvgSellPrice = p.AvgSellPrice
		snap.TotalFees = p.TotalFees
		snap.EstimatedProfit = p.EstimatedProfit
	}

	if t, err := b.Exchange.GetTicker(ctx, b.Cfg.Symbol); err != nil {
		logger.Warn("Failed to fetch price for stats", "error", err)
	} else {
		snap.Price = t.LastPrice
	}

	if b.Wallet != nil {
		balances, err := b.Wallet.GetWalletBalance(ctx, b.base, b.quote)
		if err != nil {
			logger.Warn("Failed to fetch wallet balance", "error", err)
		} else {
			b.Balances.SetBalances(balances)
		}
	}
	snap.BaseBalance = b.Balances.Total(b.base)
	snap.QuoteBalance = b.Balances.Total(b.quote)

	if err := b.Collector.Record(snap); err != nil {
		logger.Error("Failed to record stats", "error", err)
	}
}
