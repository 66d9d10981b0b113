package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/api"
	"grid-trading-bybit/internal/config"
	"grid-trading-bybit/internal/core"
	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/metrics"
	"grid-trading-bybit/internal/model"
	"grid-trading-bybit/internal/repository"
	"grid-trading-bybit/internal/server"
	"grid-trading-bybit/internal/service"
)

func main() {
	if err := run(); err != nil {
		logger.Error("❌ Bot exited with error", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := os.Getenv("ENV_FILE")
	if v, ok := config.EnvFileArg(os.Args[1:]); ok {
		envFile = v
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ApplyFlags(flag.CommandLine, os.Args[1:]); err != nil {
		return err
	}

	logger.Init(cfg.LogDir, cfg.LogLevel)
	logger.Info("Starting Grid Trading Bot...", "test_mode", cfg.TestMode, "testnet", cfg.Testnet)

	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("Configuration loaded successfully",
		"symbol", cfg.Symbol,
		"grid_levels", cfg.GridLevels,
		"range_min", cfg.RangeMin,
		"range_max", cfg.RangeMax,
		"order_qty", cfg.OrderQty,
		"rest_url", cfg.RESTURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.CancelAll {
		return cancelAll(ctx, cfg)
	}

	m := metrics.New()

	ledger, err := repository.NewLedger(cfg.DBPath, cfg.LedgerQueueLen)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Error("Failed to close ledger", "error", err)
		}
	}()
	ledger.OnWriteFailed = func(op string, err error) {
		m.LedgerErrors.WithLabelValues(op).Inc()
	}
	m.Watch("grid_ledger_queue_depth", "Ledger writes waiting for the writer", func() float64 {
		return float64(ledger.QueueLen())
	})

	var notifier service.Notifier = service.NopNotifier{}
	if telegram := service.NewTelegramService(cfg.TelegramToken, cfg.TelegramChatID); telegram.Enabled() {
		notifier = telegram
	} else {
		logger.Info("Telegram notifications disabled")
	}

	exchange, source, wallet, paper, err := connect(ctx, cfg, m)
	if err != nil {
		return err
	}

	engine := core.NewEngine(core.EngineConfig{
		Symbol:            cfg.Symbol,
		Low:               cfg.RangeMin,
		High:              cfg.RangeMax,
		Levels:            cfg.GridLevels,
		Qty:               cfg.OrderQty,
		PlacementDelay:    cfg.PlacementDelay,
		ReconcileInterval: cfg.ReconcileInterval,
	}, exchange, ledger, notifier, m)

	bot := core.NewBot(core.BotConfig{
		Symbol:          cfg.Symbol,
		StatsInterval:   cfg.StatsInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, engine, exchange, source, notifier)
	bot.Wallet = wallet
	bot.Store = ledger
	bot.Paper = paper
	bot.Collector = service.NewStatsCollector(filepath.Join(cfg.LogDir, "grid_stats.csv"))

	if cfg.HTTPAddr != "" {
		srv := server.New(cfg.Symbol, engine, ledger, m.Handler())
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				logger.Error("Ops server stopped", "error", err)
			}
		}()
	}

	runErr := bot.Run(ctx)

	syncCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := ledger.Sync(syncCtx); err != nil {
		logger.Warn("Ledger writes still pending at exit", "pending", ledger.QueueLen(), "error", err)
	}
	return runErr
}

// cancelAll clears every open order for the symbol, for operators recovering
// from a crashed run.
func cancelAll(ctx context.Context, cfg *config.Config) error {
	retry := api.NewRetryPolicy(cfg.RetryMaxAttempts, cfg.RetryInitial, cfg.RetryMaxInterval)
	client := api.NewBybitClient(cfg.APIKey, cfg.APISecret, cfg.RESTURL, cfg.RequestTimeout, retry)
	client.RecvWindow = cfg.RecvWindow
	client.Category = cfg.Category

	if err := client.SyncTime(ctx); err != nil {
		logger.Warn("⚠️ Failed to synchronize time with Bybit, using local time", "error", err)
	}
	if err := client.CancelAllOrders(ctx, cfg.Symbol); err != nil {
		return fmt.Errorf("failed to cancel %s orders: %w", cfg.Symbol, err)
	}
	logger.Info("🧹 Cancelled all open orders", "symbol", cfg.Symbol)
	return nil
}

// connect builds the exchange client and the update source for the
// configured mode. In test mode both are the paper exchange.
func connect(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (core.Exchange, core.UpdateSource, core.BalanceSource, *api.PaperExchange, error) {
	retry := api.NewRetryPolicy(cfg.RetryMaxAttempts, cfg.RetryInitial, cfg.RetryMaxInterval)
	client := api.NewBybitClient(cfg.APIKey, cfg.APISecret, cfg.RESTURL, cfg.RequestTimeout, retry)
	client.RecvWindow = cfg.RecvWindow
	client.Category = cfg.Category
	client.AccountType = cfg.AccountType

	if cfg.TestMode {
		logger.Warn("🧪 TEST MODE: orders go to the in-memory paper exchange")
		ticker, err := client.GetTicker(ctx, cfg.Symbol)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to fetch %s ticker for paper trading: %w", cfg.Symbol, err)
		}
		paper := api.NewPaperExchange(*ticker)
		paper.Prices = client
		base, quote := api.SplitSymbol(cfg.Symbol)
		paper.Balances = []model.Balance{
			{Currency: base, Free: cfg.OrderQty.Mul(decimal.NewFromInt(int64(cfg.GridLevels)))},
			{Currency: quote, Free: cfg.OrderQty.Mul(ticker.LastPrice).Mul(decimal.NewFromInt(int64(cfg.GridLevels)))},
		}
		return paper, paper, paper, paper, nil
	}

	if err := client.SyncTime(ctx); err != nil {
		logger.Warn("⚠️ Failed to synchronize time with Bybit, using local time", "error", err)
	}

	balances, err := client.GetWalletBalance(ctx)
	if err != nil {
		var ee *api.ExchangeError
		if errors.As(err, &ee) && !ee.Transient() {
			return nil, nil, nil, nil, fmt.Errorf("failed to fetch wallet balance: %w", err)
		}
		logger.Error("Failed to fetch initial wallet balance from Bybit", "error", err)
	}
	for _, b := range balances {
		logger.Info("💼 Balance", "coin", b.Currency, "free", b.Free, "locked", b.Locked)
	}

	stream := service.NewStreamService(service.StreamConfig{
		URL:               cfg.WSURL,
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		RecvWindow:        cfg.RecvWindow,
		Heartbeat:         cfg.HeartbeatInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	})
	stream.OnReconnect = func(attempt int) {
		m.StreamReconnects.Inc()
	}
	return client, stream, client, nil, nil
}
