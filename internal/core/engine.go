package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/api"
	"grid-trading-bybit/internal/grid"
	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/market"
	"grid-trading-bybit/internal/metrics"
	"grid-trading-bybit/internal/model"
	"grid-trading-bybit/internal/repository"
	"grid-trading-bybit/internal/service"
)

// Exchange is the part of the exchange client the engine drives.
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (*model.Ticker, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*model.Order, error)
}

// Ledger is where the engine writes fills, active orders and events.
type Ledger interface {
	RecordFill(fill model.Fill) error
	SaveActiveOrder(order model.Order) error
	RemoveActiveOrder(orderID string) error
	ClearActiveOrders(symbol string) error
	LogEvent(eventType, symbol, message string, details map[string]any) error
	ProfitStats(ctx context.Context, symbol string) (*repository.ProfitStats, error)
}

// Event types written to the ledger's event log.
const (
	EventStart         = "start"
	EventStop          = "stop"
	EventOrderPlaced   = "order_placed"
	EventOrderFailed   = "order_failed"
	EventOrderClosed   = "order_closed"
	EventFill          = "fill"
	EventMirrorSkipped = "mirror_skipped"
	EventMirrorFailed  = "mirror_failed"
	EventReconcile     = "reconcile"
)

type EngineConfig struct {
	Symbol            string
	Low               decimal.Decimal // zero means derive from the ticker
	High              decimal.Decimal
	Levels            int
	Qty               decimal.Decimal
	PlacementDelay    time.Duration
	ReconcileInterval time.Duration
}

// pendingMirror is a mirror order whose placement failed.
type pendingMirror struct {
	order model.Order
	fill  model.Fill
}

// Engine owns the active-order table of one grid. Order events are applied
// one at a time by Run; Initialize, Shutdown and Stats may be called from
// other goroutines.
type Engine struct {
	cfg      EngineConfig
	exchange Exchange
	ledger   Ledger
	notifier service.Notifier
	metrics  *metrics.Metrics
	tracker  *metrics.Tracker

	NewLinkID func() string

	mu          sync.Mutex
	prices      []decimal.Decimal
	active      map[string]model.Order
	pending     []pendingMirror
	running     bool
	filledCount int
	buyVolume   decimal.Decimal
	sellVolume  decimal.Decimal

	queue     *eventQueue
	resync    chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

func NewEngine(cfg EngineConfig, exchange Exchange, ledger Ledger, notifier service.Notifier, m *metrics.Metrics) *Engine {
	if notifier == nil {
		notifier = service.NopNotifier{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		cfg:       cfg,
		exchange:  exchange,
		ledger:    ledger,
		notifier:  notifier,
		metrics:   m,
		tracker:   metrics.NewTracker(100, m.EventLatency),
		NewLinkID: newLinkID,
		active:    make(map[string]model.Order),
		queue:     newEventQueue(),
		resync:    make(chan struct{}, 1),
		ready:     make(chan struct{}),
	}
}

// newLinkID returns a 36 character orderLinkId, the most Bybit accepts.
func newLinkID() string {
	return "grid" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Initialize builds the ladder around the current price and places the
// initial orders. Events queued meanwhile are applied once it returns.
func (e *Engine) Initialize(ctx context.Context) error {
	defer e.readyOnce.Do(func() { close(e.ready) })

	ticker, err := e.exchange.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to get current price for %s: %w", e.cfg.Symbol, err)
	}
	mid := ticker.LastPrice
	logger.Info("Current price", "symbol", e.cfg.Symbol, "price", mid)

	low, high := e.cfg.Low, e.cfg.High
	if !low.IsPositive() || !high.IsPositive() {
		bounds, err := market.DeriveBounds(*ticker)
		if err != nil {
			return fmt.Errorf("failed to derive grid bounds: %w", err)
		}
		low, high = bounds.Low, bounds.High
		logger.Info("📐 Grid range derived automatically", "low", low, "high", high, "range_pct", bounds.RangePct.StringFixed(4))
	}

	prices, err := grid.BuildGrid(low, high, e.cfg.Levels)
	if err != nil {
		return err
	}
	buys, sells := grid.InitialOrders(prices, mid, e.cfg.Qty)

	e.mu.Lock()
	e.cfg.Low, e.cfg.High = low, high
	e.prices = prices
	e.running = true
	e.mu.Unlock()

	logger.Info("🚀 Placing initial grid orders",
		"symbol", e.cfg.Symbol,
		"low", low,
		"high", high,
		"levels", len(prices),
		"buys", len(buys),
		"sells", len(sells),
	)
	e.logEvent(EventStart, "grid initialized", map[string]any{
		"low": low.String(), "high": high.String(), "levels": e.cfg.Levels,
		"qty": e.cfg.Qty.String(), "mid": mid.String(),
	})

	orders := append(buys, sells...)
	for i, o := range orders {
		if ctx.Err() != nil {
			logger.Warn("Initial placement interrupted", "placed", i, "total", len(orders))
			return ctx.Err()
		}
		_, _ = e.place(ctx, o, "initial")

		if i < len(orders)-1 && e.cfg.PlacementDelay > 0 {
			timer := time.NewTimer(e.cfg.PlacementDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	logger.Info("✅ Initial orders placed", "active", e.ActiveCount(), "requested", len(orders))
	return nil
}

// place submits order and records it in the table once the exchange has
// accepted it. Cancelling ctx does not cut the request short. When the
// request fails without an exchange answer the order is looked up by its
// orderLinkId before it is given up.
func (e *Engine) place(ctx context.Context, order model.Order, stage string) (model.Order, error) {
	ctx = context.WithoutCancel(ctx)
	order.Symbol = e.cfg.Symbol
	order.Status = model.StatusNew
	order.ClientOrderID = e.NewLinkID()

	id, err := e.exchange.PlaceOrder(ctx, model.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          model.OrderTypeLimit,
		Qty:           order.Qty,
		Price:         order.Price,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		var ee *api.ExchangeError
		if !errors.As(err, &ee) {
			// No answer from the exchange: the order may rest on the book anyway.
			id = e.lookupPlaced(ctx, order.ClientOrderID)
		}
	}
	if id == "" {
		if err == nil {
			err = errors.New("order accepted without an order id")
		}
		logger.Error("❌ Failed to place order",
			"stage", stage,
			"side", order.Side,
			"price", order.Price,
			"level", order.Level(),
			"error", err,
		)
		e.metrics.OrdersFailed.WithLabelValues(string(order.Side), stage).Inc()
		e.logEvent(EventOrderFailed, err.Error(), map[string]any{
			"stage": stage, "side": string(order.Side), "price": order.Price.String(), "level": order.Level(),
		})
		return order, err
	}

	if err != nil {
		logger.Warn("⚠️ Placement reported an error but the order is on the book, tracking it",
			"order_id", id,
			"order_link_id", order.ClientOrderID,
			"error", err,
		)
	}

	order.OrderID = id
	order.CreatedAt = time.Now()

	e.mu.Lock()
	e.active[id] = order
	n := len(e.active)
	e.mu.Unlock()

	e.metrics.ActiveOrders.Set(float64(n))
	e.metrics.OrdersPlaced.WithLabelValues(string(order.Side), stage).Inc()
	e.ledgerErr("save_active_order", e.ledger.SaveActiveOrder(order))

	logger.Info("✅ Order placed",
		"stage", stage,
		"order_id", id,
		"side", order.Side,
		"price", order.Price,
		"qty", order.Qty,
		"level", order.Level(),
	)
	return order, nil
}

// lookupPlaced searches the open orders for linkID and returns its exchange
// id, or "" when the order is not there.
func (e *Engine) lookupPlaced(ctx context.Context, linkID string) string {
	open, err := e.exchange.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		logger.Error("⚠️ Failed to look up order after placement error", "order_link_id", linkID, "error", err)
		return ""
	}
	for _, o := range open {
		if o.ClientOrderID == linkID {
			return o.OrderID
		}
	}
	return ""
}

// Enqueue hands an exchange event to Run. It never blocks.
func (e *Engine) Enqueue(u model.OrderUpdate) {
	e.queue.push(u)
	e.metrics.EventQueueDepth.Set(float64(e.queue.len()))
}

// RequestReconcile asks Run for a reconcile pass as soon as the queued
// events are applied. Requests made while one is pending are merged.
func (e *Engine) RequestReconcile() {
	select {
	case e.resync <- struct{}{}:
	default:
	}
}

// Run applies queued events in arrival order and runs the periodic and the
// requested reconcile passes. It starts only after Initialize has returned and stops
// when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil
	}

	var reconcile <-chan time.Time
	if e.cfg.ReconcileInterval > 0 {
		t := time.NewTicker(e.cfg.ReconcileInterval)
		defer t.Stop()
		reconcile = t.C
	}

	for {
		for {
			u, ok := e.queue.pop()
			if !ok {
				break
			}
			e.metrics.EventQueueDepth.Set(float64(e.queue.len()))
			e.OnOrderEvent(ctx, u)
			if ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.queue.wait():
		case <-reconcile:
			if err := e.Reconcile(ctx); err != nil {
				logger.Error("⚠️ Reconcile failed", "error", err)
			}
		case <-e.resync:
			// Apply what arrived before the request first.
			if e.queue.len() > 0 {
				e.RequestReconcile()
				continue
			}
			if err := e.Reconcile(ctx); err != nil {
				logger.Error("⚠️ Reconcile failed", "error", err)
			}
		}
	}
}

// OnOrderEvent applies one exchange event. Only the first Filled event of a
// tracked order has an effect; repeats and unknown orders are ignored.
// It is not safe for concurrent use; Run is its only caller in the bot.
func (e *Engine) OnOrderEvent(ctx context.Context, u model.OrderUpdate) {
	start := time.Now()
	defer func() { e.tracker.Track(time.Since(start)) }()

	if u.Symbol != "" && u.Symbol != e.cfg.Symbol {
		return
	}

	switch {
	case u.Status == model.StatusFilled:
		e.handleFill(ctx, u)
	case u.Status.Closed():
		e.handleClosed(u)
	default:
		logger.Debug("Order update", "order_id", u.OrderID, "status", u.Status, "cum_exec_qty", u.CumExecQty)
	}
}

func (e *Engine) handleFill(ctx context.Context, u model.OrderUpdate) {
	e.mu.Lock()
	order, ok := e.active[u.OrderID]
	if !ok {
		e.mu.Unlock()
		logger.Debug("Fill for unknown or already processed order", "order_id", u.OrderID)
		return
	}
	delete(e.active, u.OrderID)
	e.filledCount++
	if order.Side == model.SideBuy {
		e.buyVolume = e.buyVolume.Add(order.Qty)
	} else {
		e.sellVolume = e.sellVolume.Add(order.Qty)
	}
	n := len(e.active)
	e.mu.Unlock()
	e.metrics.ActiveOrders.Set(float64(n))

	fill := fillFrom(order, u)
	logger.Info("💰 Order filled",
		"order_id", fill.OrderID,
		"side", fill.Side,
		"price", fill.Price,
		"qty", fill.Qty,
		"fee", fill.Fee,
		"fee_currency", fill.FeeCurrency,
		"level", order.Level(),
	)
	e.metrics.Fills.WithLabelValues(string(fill.Side)).Inc()
	e.ledgerErr("record_fill", e.ledger.RecordFill(fill))
	e.ledgerErr("remove_active_order", e.ledger.RemoveActiveOrder(order.OrderID))
	e.logEvent(EventFill, fmt.Sprintf("%s %s @ %s", fill.Side, fill.Qty, fill.Price), map[string]any{
		"order_id": fill.OrderID, "level": order.Level(),
	})

	e.placeMirror(ctx, order, fill)
}

func fillFrom(order model.Order, u model.OrderUpdate) model.Fill {
	fill := model.Fill{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         order.Price,
		Qty:           order.Qty,
		Fee:           u.CumExecFee,
		FeeCurrency:   u.FeeCurrency,
		Timestamp:     u.UpdatedAt,
	}
	if u.AvgPrice.IsPositive() {
		fill.Price = u.AvgPrice
	}
	if u.CumExecQty.IsPositive() {
		fill.Qty = u.CumExecQty
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now()
	}
	return fill
}

// placeMirror places the counter order for a fill. The mirror is derived
// from the filled order's own grid price, not the execution price.
func (e *Engine) placeMirror(ctx context.Context, filled model.Order, fill model.Fill) {
	e.mu.Lock()
	prices := e.prices
	active := e.activeLocked()
	e.mu.Unlock()

	target, inside := grid.MirrorLevel(filled, prices)
	if !inside {
		logger.Info("No mirror order: fill at the edge of the grid", "order_id", filled.OrderID, "side", filled.Side, "price", filled.Price)
		e.metrics.MirrorsSkipped.WithLabelValues("edge").Inc()
		e.logEvent(EventMirrorSkipped, "fill at grid edge", map[string]any{"order_id": filled.OrderID, "target_level": target})
		e.notifier.NotifyFill(fill, nil)
		return
	}

	mirror := grid.MirrorOrder(filled, prices, e.cfg.Qty, active)
	if mirror == nil {
		logger.Warn("⚠️ No mirror order: level already occupied",
			"order_id", filled.OrderID,
			"side", filled.Side.Opposite(),
			"price", prices[target],
			"level", target,
		)
		e.metrics.MirrorsSkipped.WithLabelValues("occupied").Inc()
		e.logEvent(EventMirrorSkipped, "target level occupied", map[string]any{
			"order_id": filled.OrderID, "target_level": target, "price": prices[target].String(),
		})
		e.notifier.NotifyFill(fill, nil)
		return
	}

	placed, err := e.place(ctx, *mirror, "mirror")
	if err != nil {
		e.mu.Lock()
		e.pending = append(e.pending, pendingMirror{order: *mirror, fill: fill})
		e.mu.Unlock()
		e.logEvent(EventMirrorFailed, err.Error(), map[string]any{
			"order_id": filled.OrderID, "target_level": target, "side": string(mirror.Side), "price": mirror.Price.String(),
		})
		e.notifier.NotifyMirrorFailed(fill, err)
		return
	}
	e.notifier.NotifyFill(fill, &placed)
}

func (e *Engine) handleClosed(u model.OrderUpdate) {
	e.mu.Lock()
	order, ok := e.active[u.OrderID]
	if ok {
		delete(e.active, u.OrderID)
	}
	n := len(e.active)
	e.mu.Unlock()
	if !ok {
		return
	}

	e.metrics.ActiveOrders.Set(float64(n))
	logger.Warn("⚠️ Order closed without fill",
		"order_id", order.OrderID,
		"status", u.Status,
		"side", order.Side,
		"price", order.Price,
		"level", order.Level(),
		"cum_exec_qty", u.CumExecQty,
	)
	// The executed part is recorded as a fill but gets no mirror.
	if u.CumExecQty.IsPositive() {
		fill := fillFrom(order, u)
		e.metrics.Fills.WithLabelValues(string(fill.Side)).Inc()
		e.ledgerErr("record_fill", e.ledger.RecordFill(fill))
		e.logEvent(EventFill, fmt.Sprintf("partial %s %s @ %s", fill.Side, fill.Qty, fill.Price), map[string]any{
			"order_id": fill.OrderID, "level": order.Level(), "status": string(u.Status),
		})
	}
	e.ledgerErr("remove_active_order", e.ledger.RemoveActiveOrder(order.OrderID))
	e.logEvent(EventOrderClosed, string(u.Status), map[string]any{
		"order_id": order.OrderID, "side": string(order.Side), "price": order.Price.String(),
	})
}

// Reconcile compares the table with the exchange's open orders. Tracked
// orders the exchange no longer lists are looked up and their final state is
// applied through OnOrderEvent. Failed mirrors are then retried. Like
// OnOrderEvent it must not run concurrently with event handling.
func (e *Engine) Reconcile(ctx context.Context) error {
	open, err := e.exchange.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch open orders: %w", err)
	}
	onExchange := make(map[string]bool, len(open))
	for _, o := range open {
		onExchange[o.OrderID] = true
	}

	e.mu.Lock()
	var missing []string
	for id := range e.active {
		if !onExchange[id] {
			missing = append(missing, id)
		}
	}
	untracked := 0
	for id := range onExchange {
		if _, ok := e.active[id]; !ok {
			untracked++
		}
	}
	e.mu.Unlock()
	sort.Strings(missing)

	resolved := 0
	for _, id := range missing {
		o, err := e.exchange.GetOrder(ctx, e.cfg.Symbol, id)
		if errors.Is(err, api.ErrNotFound) {
			logger.Warn("⚠️ Tracked order unknown to the exchange, dropping it", "order_id", id)
			e.OnOrderEvent(ctx, model.OrderUpdate{OrderID: id, Status: model.StatusDeactivated})
			resolved++
			continue
		}
		if err != nil {
			logger.Error("⚠️ Failed to query order status", "order_id", id, "error", err)
			continue
		}
		if o.Status.Open() {
			continue
		}
		logger.Info("🔄 Order status changed without a stream event", "order_id", id, "status", o.Status)
		e.OnOrderEvent(ctx, model.OrderUpdate{
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
		})
		resolved++
	}

	retried, stillPending := e.retryPending(ctx)

	if untracked > 0 {
		logger.Warn("Open orders on the exchange that the grid does not track", "count", untracked)
	}
	if resolved > 0 || retried > 0 || stillPending > 0 {
		e.logEvent(EventReconcile, "active orders reconciled", map[string]any{
			"resolved": resolved, "mirrors_placed": retried, "mirrors_pending": stillPending, "untracked": untracked,
		})
	}
	logger.Info("🔄 Reconcile completed",
		"open_on_exchange", len(open),
		"resolved", resolved,
		"mirrors_placed", retried,
		"mirrors_pending", stillPending,
	)
	return nil
}

// retryPending places failed mirrors again unless their level has been
// taken in the meantime.
func (e *Engine) retryPending(ctx context.Context) (placed, remaining int) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	var keep []pendingMirror
	for _, p := range pending {
		e.mu.Lock()
		occupied := grid.Occupied(p.order.Price, p.order.Side, e.activeLocked())
		e.mu.Unlock()
		if occupied {
			logger.Warn("⚠️ Dropping pending mirror: level already occupied", "side", p.order.Side, "price", p.order.Price)
			e.metrics.MirrorsSkipped.WithLabelValues("occupied").Inc()
			continue
		}

		order, err := e.place(ctx, p.order, "mirror_retry")
		if err != nil {
			keep = append(keep, p)
			continue
		}
		placed++
		e.notifier.NotifyFill(p.fill, &order)
	}

	e.mu.Lock()
	e.pending = append(keep, e.pending...)
	remaining = len(e.pending)
	e.mu.Unlock()
	return placed, remaining
}

// Shutdown cancels every tracked order and clears the table. Cancellation
// failures are logged and do not stop the rest.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.running = false
	orders := e.activeLocked()
	e.active = make(map[string]model.Order)
	e.pending = nil
	e.mu.Unlock()
	e.metrics.ActiveOrders.Set(0)

	logger.Info("🛑 Cancelling active orders", "count", len(orders))
	var failed int
	for _, o := range orders {
		if err := e.exchange.CancelOrder(ctx, e.cfg.Symbol, o.OrderID); err != nil {
			failed++
			e.metrics.OrdersFailed.WithLabelValues(string(o.Side), "cancel").Inc()
			logger.Warn("⚠️ Failed to cancel order", "order_id", o.OrderID, "price", o.Price, "error", err)
			continue
		}
		logger.Info("Order cancelled", "order_id", o.OrderID, "side", o.Side, "price", o.Price)
	}

	e.ledgerErr("clear_active_orders", e.ledger.ClearActiveOrders(e.cfg.Symbol))
	e.logEvent(EventStop, "grid stopped", map[string]any{"cancelled": len(orders) - failed, "failed": failed})

	if failed > 0 {
		return fmt.Errorf("failed to cancel %d of %d orders", failed, len(orders))
	}
	return nil
}

// Stats is a point-in-time view of the grid.
type Stats struct {
	Symbol         string                  `json:"symbol"`
	Running        bool                    `json:"running"`
	Low            decimal.Decimal         `json:"low"`
	High           decimal.Decimal         `json:"high"`
	Levels         int                     `json:"levels"`
	ActiveOrders   int                     `json:"active_orders"`
	ActiveBuys     int                     `json:"active_buys"`
	ActiveSells    int                     `json:"active_sells"`
	FilledOrders   int                     `json:"filled_orders"`
	BuyVolume      decimal.Decimal         `json:"buy_volume"`
	SellVolume     decimal.Decimal         `json:"sell_volume"`
	PendingMirrors int                     `json:"pending_mirrors"`
	QueuedEvents   int                     `json:"queued_events"`
	Events         metrics.TrackerSnapshot `json:"events"`
	Profit         *repository.ProfitStats `json:"profit,omitempty"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	s := Stats{
		Symbol:         e.cfg.Symbol,
		Running:        e.running,
		Low:            e.cfg.Low,
		High:           e.cfg.High,
		Levels:         e.cfg.Levels,
		ActiveOrders:   len(e.active),
		FilledOrders:   e.filledCount,
		BuyVolume:      e.buyVolume,
		SellVolume:     e.sellVolume,
		PendingMirrors: len(e.pending),
	}
	for _, o := range e.active {
		if o.Side == model.SideBuy {
			s.ActiveBuys++
		} else {
			s.ActiveSells++
		}
	}
	e.mu.Unlock()

	s.QueuedEvents = e.queue.len()
	s.Events = e.tracker.Snapshot()

	profit, err := e.ledger.ProfitStats(ctx, e.cfg.Symbol)
	if err != nil {
		return s, fmt.Errorf("failed to compute profit stats: %w", err)
	}
	s.Profit = profit
	return s, nil
}

// ActiveOrders returns the tracked orders sorted by price.
func (e *Engine) ActiveOrders() []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeLocked()
}

func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Prices returns the grid ladder, nil before Initialize.
func (e *Engine) Prices() []decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]decimal.Decimal(nil), e.prices...)
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) activeLocked() []model.Order {
	orders := make([]model.Order, 0, len(e.active))
	for _, o := range e.active {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if c := orders[i].Price.Cmp(orders[j].Price); c != 0 {
			return c < 0
		}
		return orders[i].Side < orders[j].Side
	})
	return orders
}

func (e *Engine) logEvent(eventType, message string, details map[string]any) {
	e.ledgerErr("log_event", e.ledger.LogEvent(eventType, e.cfg.Symbol, message, details))
}

// ledgerErr records a failed ledger write. Ledger failures never stop trading.
func (e *Engine) ledgerErr(op string, err error) {
	if err == nil {
		return
	}
	logger.Warn("Ledger write rejected", "op", op, "error", err)
	e.metrics.LedgerErrors.WithLabelValues(op).Inc()
}
