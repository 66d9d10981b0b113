package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SYMBOL", "BTCUSDT")
	t.Setenv("ORDER_QTY", "0.001")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, "0.001", cfg.OrderQty.String())
	assert.Equal(t, 10, cfg.GridLevels)
	assert.Equal(t, "spot", cfg.Category)
	assert.Equal(t, int64(5000), cfg.RecvWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.PlacementDelay)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 10, cfg.ReconnectAttempts)
	assert.False(t, cfg.HasBounds())
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SYMBOL=ETHUSDT\nRANGE_MIN=1000\nRANGE_MAX=2000\nGRID_LEVELS=5\nWS_HEARTBEAT_INTERVAL=15s\n"), 0644))
	t.Cleanup(func() {
		for _, k := range []string{"SYMBOL", "RANGE_MIN", "RANGE_MAX", "GRID_LEVELS", "WS_HEARTBEAT_INTERVAL"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, 5, cfg.GridLevels)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.HasBounds())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"decimal", "RANGE_MIN", "abc"},
		{"int", "GRID_LEVELS", "ten"},
		{"duration", "STATS_INTERVAL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(noEnvFile(t))
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := &Config{Symbol: "BTCUSDT", GridLevels: 10}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	err := cfg.ApplyFlags(fs, []string{"-symbol", "SOLUSDT", "-low", "100", "-high", "200", "-grids", "4", "-qty", "0.5", "-test", "-cancel-all"})
	require.NoError(t, err)

	assert.Equal(t, "SOLUSDT", cfg.Symbol)
	assert.Equal(t, "100", cfg.RangeMin.String())
	assert.Equal(t, "200", cfg.RangeMax.String())
	assert.Equal(t, 4, cfg.GridLevels)
	assert.Equal(t, "0.5", cfg.OrderQty.String())
	assert.True(t, cfg.TestMode)
	assert.True(t, cfg.CancelAll)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	assert.Error(t, cfg.ApplyFlags(fs, []string{"-low", "x"}))
}

func TestEnvFileArg(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
		ok   bool
	}{
		{"absent", []string{"-symbol", "BTCUSDT", "-test"}, "", false},
		{"separate value", []string{"-symbol", "BTCUSDT", "-env", "prod.env"}, "prod.env", true},
		{"equals", []string{"--env=/etc/grid.env", "-test"}, "/etc/grid.env", true},
		{"after terminator", []string{"--", "-env", "x.env"}, "", false},
		{"missing value", []string{"-env"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EnvFileArg(tt.args)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvFlagLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.env")
	require.NoError(t, os.WriteFile(path, []byte("SYMBOL=XRPUSDT\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("SYMBOL") })

	args := []string{"-env", path, "-grids", "3"}
	envFile, ok := EnvFileArg(args)
	require.True(t, ok)
	cfg, err := Load(envFile)
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	require.NoError(t, cfg.ApplyFlags(fs, args))
	assert.Equal(t, "XRPUSDT", cfg.Symbol)
	assert.Equal(t, 3, cfg.GridLevels)
	assert.Equal(t, path, cfg.EnvFile)
}

func validConfig() *Config {
	cfg := &Config{Symbol: "BTCUSDT", GridLevels: 5, APIKey: "k", APISecret: "s"}
	cfg.OrderQty, _ = parseDecimal("0.01", "qty")
	return cfg
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MainnetRESTURL, cfg.RESTURL)
	assert.Equal(t, MainnetWSURL, cfg.WSURL)

	cfg = validConfig()
	cfg.Testnet = true
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TestnetRESTURL, cfg.RESTURL)
	assert.Equal(t, TestnetWSURL, cfg.WSURL)

	cfg = validConfig()
	cfg.APIKey = ""
	cfg.TestMode = true
	assert.NoError(t, cfg.Validate())

	cfg = &Config{Symbol: "BTCUSDT", APIKey: "k", APISecret: "s", CancelAll: true}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing symbol", func(c *Config) { c.Symbol = "" }},
		{"one level", func(c *Config) { c.GridLevels = 1 }},
		{"zero qty", func(c *Config) { c.OrderQty = c.OrderQty.Sub(c.OrderQty) }},
		{"inverted range", func(c *Config) {
			c.RangeMin, _ = parseDecimal("2000", "low")
			c.RangeMax, _ = parseDecimal("1000", "high")
		}},
		{"negative bound", func(c *Config) { c.RangeMin, _ = parseDecimal("-1", "low") }},
		{"missing credentials", func(c *Config) { c.APISecret = "" }},
		{"cancel-all in test mode", func(c *Config) { c.CancelAll, c.TestMode = true, true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
