package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	MainnetRESTURL = "https://api.bybit.com"
	MainnetWSURL   = "wss://stream.bybit.com/v5/private"
	TestnetRESTURL = "https://api-testnet.bybit.com"
	TestnetWSURL   = "wss://stream-testnet.bybit.com/v5/private"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Symbol     string
	Category   string
	RangeMin   decimal.Decimal // zero means derive from 24h volatility
	RangeMax   decimal.Decimal
	GridLevels int
	OrderQty   decimal.Decimal
	TestMode   bool
	CancelAll  bool // cancel every open order for Symbol and exit

	// Bybit API
	APIKey      string
	APISecret   string
	Testnet     bool
	RESTURL     string
	WSURL       string
	RecvWindow  int64
	AccountType string

	// Timing
	RequestTimeout    time.Duration
	PlacementDelay    time.Duration
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconcileInterval time.Duration
	StatsInterval     time.Duration
	ShutdownTimeout   time.Duration

	// Retry
	RetryMaxAttempts int
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration

	// Storage / ops
	DBPath         string
	LedgerQueueLen int
	LogDir         string
	LogLevel       string
	HTTPAddr       string
	EnvFile        string // the .env file Load read

	// Telegram
	TelegramToken  string
	TelegramChatID string
}

// Load reads .env (when present) and the process environment. Flags are
// applied afterwards with ApplyFlags.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading %s file: %w", envFile, err)
	}

	cfg := &Config{
		Symbol:      os.Getenv("SYMBOL"),
		Category:    envOr("CATEGORY", "spot"),
		APIKey:      os.Getenv("BYBIT_API_KEY"),
		APISecret:   os.Getenv("BYBIT_API_SECRET"),
		Testnet:     os.Getenv("BYBIT_TESTNET") == "true",
		AccountType: envOr("ACCOUNT_TYPE", "UNIFIED"),
		DBPath:      envOr("DB_PATH", "data/grid_bot.db"),
		LogDir:      envOr("LOG_DIR", "logs"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		HTTPAddr:    os.Getenv("HTTP_ADDR"),
		EnvFile:     envFile,

		TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),
	}
	var err error

	if cfg.RangeMin, err = optionalDecimal("RANGE_MIN"); err != nil {
		return nil, err
	}
	if cfg.RangeMax, err = optionalDecimal("RANGE_MAX"); err != nil {
		return nil, err
	}
	if cfg.OrderQty, err = optionalDecimal("ORDER_QTY"); err != nil {
		return nil, err
	}
	if cfg.GridLevels, err = optionalInt("GRID_LEVELS", 10); err != nil {
		return nil, err
	}
	if cfg.ReconnectAttempts, err = optionalInt("WS_RECONNECT_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = optionalInt("RETRY_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.LedgerQueueLen, err = optionalInt("LEDGER_QUEUE_LEN", 1024); err != nil {
		return nil, err
	}

	recvWindow, err := optionalInt("RECV_WINDOW", 5000)
	if err != nil {
		return nil, err
	}
	cfg.RecvWindow = int64(recvWindow)

	durations := []struct {
		dst  *time.Duration
		name string
		def  time.Duration
	}{
		{&cfg.RequestTimeout, "REQUEST_TIMEOUT", 10 * time.Second},
		{&cfg.PlacementDelay, "PLACEMENT_DELAY", 200 * time.Millisecond},
		{&cfg.HeartbeatInterval, "WS_HEARTBEAT_INTERVAL", 20 * time.Second},
		{&cfg.ReconnectDelay, "WS_RECONNECT_DELAY", 5 * time.Second},
		{&cfg.ReconcileInterval, "RECONCILE_INTERVAL", 5 * time.Minute},
		{&cfg.StatsInterval, "STATS_INTERVAL", time.Minute},
		{&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", 30 * time.Second},
		{&cfg.RetryInitial, "RETRY_INITIAL_INTERVAL", time.Second},
		{&cfg.RetryMaxInterval, "RETRY_MAX_INTERVAL", 60 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = optionalDuration(d.name, d.def); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// EnvFileArg returns the value of the -env flag in args. Load needs it
// before the other flags can be parsed.
func EnvFileArg(args []string) (string, bool) {
	for i, a := range args {
		if a == "--" {
			break
		}
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name := strings.TrimPrefix(strings.TrimPrefix(a, "-"), "-")
		if v, ok := strings.CutPrefix(name, "env="); ok {
			return v, true
		}
		if name == "env" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// ApplyFlags overrides the loaded values with command line flags.
func (c *Config) ApplyFlags(fs *flag.FlagSet, args []string) error {
	var low, high, qty string
	fs.StringVar(&c.EnvFile, "env", c.EnvFile, "path of the .env file to load (default .env, or $ENV_FILE)")
	fs.StringVar(&c.Symbol, "symbol", c.Symbol, "trading pair, e.g. BTCUSDT")
	fs.StringVar(&low, "low", "", "lower grid bound (derived from 24h volatility when omitted)")
	fs.StringVar(&high, "high", "", "upper grid bound (derived from 24h volatility when omitted)")
	fs.IntVar(&c.GridLevels, "grids", c.GridLevels, "number of grid intervals (>= 2)")
	fs.StringVar(&qty, "qty", "", "base quantity per order (> 0)")
	fs.BoolVar(&c.TestMode, "test", c.TestMode, "dry run against the in-memory paper exchange")
	fs.BoolVar(&c.CancelAll, "cancel-all", c.CancelAll, "cancel every open order for the symbol and exit")
	fs.BoolVar(&c.Testnet, "testnet", c.Testnet, "use the Bybit testnet endpoints")
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "ops HTTP listen address (empty disables)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if low != "" {
		if c.RangeMin, err = parseDecimal(low, "low"); err != nil {
			return err
		}
	}
	if high != "" {
		if c.RangeMax, err = parseDecimal(high, "high"); err != nil {
			return err
		}
	}
	if qty != "" {
		if c.OrderQty, err = parseDecimal(qty, "qty"); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the startup parameters and fills the endpoint defaults.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: SYMBOL is required", ErrInvalidConfig)
	}
	if c.CancelAll && c.TestMode {
		return fmt.Errorf("%w: -cancel-all needs a live exchange", ErrInvalidConfig)
	}
	if !c.CancelAll && c.GridLevels < 2 {
		return fmt.Errorf("%w: grid levels must be at least 2, got %d", ErrInvalidConfig, c.GridLevels)
	}
	if !c.CancelAll && !c.OrderQty.IsPositive() {
		return fmt.Errorf("%w: order quantity must be positive", ErrInvalidConfig)
	}
	if c.RangeMin.IsNegative() || c.RangeMax.IsNegative() {
		return fmt.Errorf("%w: grid bounds must not be negative", ErrInvalidConfig)
	}
	if c.HasBounds() && c.RangeMin.GreaterThanOrEqual(c.RangeMax) {
		return fmt.Errorf("%w: low (%s) must be below high (%s)", ErrInvalidConfig, c.RangeMin, c.RangeMax)
	}
	if !c.TestMode && (c.APIKey == "" || c.APISecret == "") {
		return fmt.Errorf("%w: BYBIT_API_KEY and BYBIT_API_SECRET are required", ErrInvalidConfig)
	}

	if c.RESTURL == "" {
		c.RESTURL = MainnetRESTURL
		if c.Testnet {
			c.RESTURL = TestnetRESTURL
		}
	}
	if c.WSURL == "" {
		c.WSURL = MainnetWSURL
		if c.Testnet {
			c.WSURL = TestnetWSURL
		}
	}
	return nil
}

// HasBounds reports whether both grid bounds were configured explicitly.
func (c *Config) HasBounds() bool {
	return c.RangeMin.IsPositive() && c.RangeMax.IsPositive()
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func optionalDecimal(name string) (decimal.Decimal, error) {
	v := os.Getenv(name)
	if v == "" {
		return decimal.Zero, nil
	}
	return parseDecimal(v, name)
}

func optionalInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	return parseInt(v, name)
}

func optionalDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", name, err)
	}
	return d, nil
}

func parseDecimal(value, name string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, fmt.Errorf("%s is required", name)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid value for %s: %w", name, err)
	}
	return d, nil
}

func parseInt(value, name string) (int, error) {
	if value == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", name, err)
	}
	return i, nil
}
