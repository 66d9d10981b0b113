package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grid-trading-bybit/internal/logger"
)

// Metrics holds the bot's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersPlaced     *prometheus.CounterVec // side, stage
	OrdersFailed     *prometheus.CounterVec // side, stage
	Fills            *prometheus.CounterVec // side
	MirrorsSkipped   *prometheus.CounterVec // reason
	LedgerErrors     *prometheus.CounterVec // op
	ActiveOrders     prometheus.Gauge
	EventQueueDepth  prometheus.Gauge
	StreamReconnects prometheus.Counter
	EventLatency     prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_orders_placed_total",
				Help: "Orders accepted by the exchange",
			},
			[]string{"side", "stage"},
		),
		OrdersFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_orders_failed_total",
				Help: "Order placements or cancellations the exchange rejected",
			},
			[]string{"side", "stage"},
		),
		Fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_fills_total",
				Help: "Filled grid orders",
			},
			[]string{"side"},
		),
		MirrorsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_mirrors_skipped_total",
				Help: "Fills that produced no mirror order, by reason",
			},
			[]string{"reason"},
		),
		LedgerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_ledger_errors_total",
				Help: "Ledger writes that were rejected or failed",
			},
			[]string{"op"},
		),
		ActiveOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_active_orders",
			Help: "Orders currently tracked in the active table",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_event_queue_depth",
			Help: "Order events waiting for the engine",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_stream_reconnects_total",
			Help: "WebSocket reconnect attempts",
		}),
		EventLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_event_handle_seconds",
			Help:    "Time spent handling one order event",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	m.Registry.MustRegister(
		m.OrdersPlaced,
		m.OrdersFailed,
		m.Fills,
		m.MirrorsSkipped,
		m.LedgerErrors,
		m.ActiveOrders,
		m.EventQueueDepth,
		m.StreamReconnects,
		m.EventLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Watch registers a gauge whose value is read from fn on every scrape.
func (m *Metrics) Watch(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Tracker keeps min/max/avg event handling time and logs a summary every
// batchSize events.
type Tracker struct {
	mu        sync.Mutex
	minTime   time.Duration
	maxTime   time.Duration
	totalTime time.Duration
	count     int64
	batch     int
	batchSize int
	observer  prometheus.Observer
}

type TrackerSnapshot struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

func NewTracker(batchSize int, observer prometheus.Observer) *Tracker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Tracker{
		minTime:   time.Duration(1<<63 - 1),
		batchSize: batchSize,
		observer:  observer,
	}
}

func (t *Tracker) Track(d time.Duration) {
	if t.observer != nil {
		t.observer.Observe(d.Seconds())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.batch++
	t.totalTime += d
	if d < t.minTime {
		t.minTime = d
	}
	if d > t.maxTime {
		t.maxTime = d
	}

	if t.batch >= t.batchSize {
		logger.Info("Event handling metrics",
			"last_us", d.Microseconds(),
			"min_us", t.minTime.Microseconds(),
			"max_us", t.maxTime.Microseconds(),
			"avg_us", (t.totalTime / time.Duration(t.count)).Microseconds(),
			"total_events", t.count,
		)
		t.batch = 0
	}
}

func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return TrackerSnapshot{}
	}
	return TrackerSnapshot{
		Count: t.count,
		Min:   t.minTime,
		Max:   t.maxTime,
		Avg:   t.totalTime / time.Duration(t.count),
	}
}
