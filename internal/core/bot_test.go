package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trading-bybit/internal/api"
	"grid-trading-bybit/internal/model"
	"grid-trading-bybit/internal/service"
)

type brokenSource struct {
	updates chan model.OrderUpdate
	err     error
}

func (s *brokenSource) Updates() <-chan model.OrderUpdate { return s.updates }

func (s *brokenSource) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(20 * time.Millisecond):
		return s.err
	}
}

func (s *brokenSource) Close() error { return nil }

// gapSource delivers nothing on Updates and reports resubscriptions on demand.
type gapSource struct {
	updates      chan model.OrderUpdate
	resubscribed chan struct{}
}

func newGapSource() *gapSource {
	return &gapSource{updates: make(chan model.OrderUpdate), resubscribed: make(chan struct{}, 1)}
}

func (s *gapSource) Updates() <-chan model.OrderUpdate { return s.updates }
func (s *gapSource) Resubscribed() <-chan struct{} { return s.resubscribed }

func (s *gapSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *gapSource) Close() error { return nil }

type staleStore struct {
	mu      sync.Mutex
	orders  []model.Order
	cleared bool
}

func (s *staleStore) ActiveOrders(context.Context, string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders, nil
}

func (s *staleStore) ClearActiveOrders(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = true
	return nil
}

type disconnectNotifier struct {
	service.NopNotifier
	mu  sync.Mutex
	err error
}

func (n *disconnectNotifier) NotifyDisconnect(_ string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func newPaperBot(t *testing.T, mid int64) (*Bot, *api.PaperExchange, *fakeLedger) {
	t.Helper()
	paper := api.NewPaperExchange(model.Ticker{Symbol: symbol, LastPrice: decimal.NewFromInt(mid)})
	paper.Balances = []model.Balance{
		{Currency: "BTC", Free: decimal.NewFromInt(1)},
		{Currency: "USDT", Free: decimal.NewFromInt(10000)},
	}
	ledger := newFakeLedger()
	engine := NewEngine(EngineConfig{
		Symbol: symbol,
		Low:    decimal.NewFromInt(1000),
		High:   decimal.NewFromInt(2000),
		Levels: 5,
		Qty:    decimal.RequireFromString("0.01"),
	}, paper, ledger, nil, nil)

	bot := NewBot(BotConfig{Symbol: symbol, ShutdownTimeout: time.Second}, engine, paper, paper, nil)
	bot.Wallet = paper
	return bot, paper, ledger
}

func TestBot_RunAndGracefulStop(t *testing.T) {
	bot, paper, _ := newPaperBot(t, 1500)
	bot.Collector = service.NewStatsCollector(filepath.Join(t.TempDir(), "stats.csv"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	require.Eventually(t, func() bool { return bot.Engine.ActiveCount() == 6 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop")
	}

	open, err := paper.GetOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, "10000", bot.Balances.Total("USDT").String())

	_, err = os.Stat(bot.Collector.Path)
	assert.NoError(t, err)
}

func TestBot_FillsFlowThroughSource(t *testing.T) {
	bot, paper, ledger := newPaperBot(t, 1500)
	bot.Paper = paper
	bot.Cfg.SimulatePause = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	// Simulate fills the orders at 1000, 1400 and 1800.
	require.Eventually(t, func() bool { return ledger.fillCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestBot_ResubscriptionAppliesFillsFromTheGap(t *testing.T) {
	bot, paper, ledger := newPaperBot(t, 1500)
	defer paper.Close()
	source := newGapSource()
	bot.Source = source

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	require.Eventually(t, func() bool { return bot.Engine.ActiveCount() == 6 }, time.Second, 10*time.Millisecond)

	// The sell at 2000 fills while the stream is down; its event never arrives.
	var sell model.Order
	for _, o := range bot.Engine.ActiveOrders() {
		if o.Side == model.SideSell && o.Price.Equal(decimal.NewFromInt(2000)) {
			sell = o
		}
	}
	require.NotEmpty(t, sell.OrderID)
	require.NoError(t, paper.Fill(sell.OrderID))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, ledger.fillCount())

	source.resubscribed <- struct{}{}

	require.Eventually(t, func() bool { return ledger.fillCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, o := range bot.Engine.ActiveOrders() {
			if o.Side == model.SideBuy && o.Price.Equal(decimal.NewFromInt(1800)) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestBot_StreamFailureStops(t *testing.T) {
	bot, paper, _ := newPaperBot(t, 1500)
	defer paper.Close()

	streamErr := errors.Join(service.ErrStreamDisconnected, errors.New("gave up"))
	bot.Source = &brokenSource{updates: make(chan model.OrderUpdate), err: streamErr}
	notifier := &disconnectNotifier{}
	bot.Notifier = notifier

	err := bot.Run(context.Background())
	assert.ErrorIs(t, err, service.ErrStreamDisconnected)
	assert.ErrorIs(t, notifier.err, service.ErrStreamDisconnected)
	assert.Zero(t, bot.Engine.ActiveCount())

	open, err := paper.GetOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBot_InitializeFailure(t *testing.T) {
	bot, paper, _ := newPaperBot(t, 1500)
	paper.SetTicker(model.Ticker{Symbol: "ETHUSDT", LastPrice: decimal.NewFromInt(1)})

	err := bot.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestBot_CancelsStaleOrders(t *testing.T) {
	ctx := context.Background()
	bot, paper, _ := newPaperBot(t, 1500)
	defer paper.Close()

	id, err := paper.PlaceOrder(ctx, model.OrderRequest{
		Symbol: symbol,
		Side:   model.SideBuy,
		Type:   model.OrderTypeLimit,
		Qty:    decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(900),
	})
	require.NoError(t, err)

	store := &staleStore{orders: []model.Order{{OrderID: id}, {OrderID: "already-gone"}}}
	bot.Store = store
	bot.recoverStaleOrders(ctx)

	o, err := paper.GetOrder(ctx, symbol, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, o.Status)
	assert.True(t, store.cleared)
}
