package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trading-bybit/internal/core"
	"grid-trading-bybit/internal/metrics"
	"grid-trading-bybit/internal/model"
	"grid-trading-bybit/internal/repository"
)

type stubGrid struct {
	running bool
	stats   core.Stats
	err     error
	orders  []model.Order
}

func (g stubGrid) Stats(context.Context) (core.Stats, error) { return g.stats, g.err }
func (g stubGrid) ActiveOrders() []model.Order { return g.orders }
func (g stubGrid) Running() bool { return g.running }

type stubHistory struct {
	gotLimit *int
	gotType  *string
	fills    []model.Fill
	events   []repository.Event
}

func (s stubHistory) Trades(_ context.Context, _ string, limit int) ([]model.Fill, error) {
	*s.gotLimit = limit
	return s.fills, nil
}

func (s stubHistory) Events(_ context.Context, eventType string, limit int) ([]repository.Event, error) {
	*s.gotLimit = limit
	*s.gotType = eventType
	return s.events, nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	s := New("BTCUSDT", stubGrid{running: true}, nil, nil)
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","symbol":"BTCUSDT"}`, rec.Body.String())

	s = New("BTCUSDT", stubGrid{}, nil, nil)
	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	grid := stubGrid{running: true, stats: core.Stats{Symbol: "BTCUSDT", ActiveOrders: 6, Low: decimal.NewFromInt(1000)}}
	rec := get(t, New("BTCUSDT", grid, nil, nil).Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(6), body["active_orders"])
	assert.Equal(t, "1000", body["low"])

	grid.err = errors.New("db gone")
	rec = get(t, New("BTCUSDT", grid, nil, nil).Handler(), "/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "db gone")
}

func TestServer_Orders(t *testing.T) {
	rec := get(t, New("BTCUSDT", stubGrid{}, nil, nil).Handler(), "/orders")
	assert.Equal(t, "[]\n", rec.Body.String())

	grid := stubGrid{orders: []model.Order{{OrderID: "1", Side: model.SideBuy, Price: decimal.NewFromInt(1400)}}}
	rec = get(t, New("BTCUSDT", grid, nil, nil).Handler(), "/orders")
	var orders []model.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Price.Equal(decimal.NewFromInt(1400)))
}

func TestServer_Trades(t *testing.T) {
	var (
		limit int
		typ   string
	)
	history := stubHistory{gotLimit: &limit, gotType: &typ, fills: []model.Fill{{OrderID: "1", Side: model.SideSell}}}
	h := New("BTCUSDT", stubGrid{}, history, nil).Handler()

	rec := get(t, h, "/trades")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, limit)

	rec = get(t, h, "/trades?limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, limit)

	rec = get(t, h, "/trades?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Events(t *testing.T) {
	var (
		limit int
		typ   string
	)
	history := stubHistory{gotLimit: &limit, gotType: &typ, events: []repository.Event{{Type: "FILL", Message: "buy filled"}}}
	h := New("BTCUSDT", stubGrid{}, history, nil).Handler()

	rec := get(t, h, "/events?type=FILL&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FILL", typ)
	assert.Equal(t, 10, limit)

	var events []repository.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "buy filled", events[0].Message)

	rec = get(t, h, "/events")
	assert.Equal(t, 100, limit)
	assert.Equal(t, "", typ)

	rec = get(t, h, "/events?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, New("BTCUSDT", stubGrid{}, nil, nil).Handler(), "/events")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.ActiveOrders.Set(4)
	rec := get(t, New("BTCUSDT", stubGrid{}, nil, m.Handler()).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grid_active_orders 4")

	rec = get(t, New("BTCUSDT", stubGrid{}, nil, nil).Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
