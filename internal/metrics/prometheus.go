// Package metrics exports bot counters and timings to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a registry so several recorders can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	seriesSynced    *prometheus.CounterVec
	candlesUpserted *prometheus.CounterVec
	oracleRequests  *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	heldBase        *prometheus.GaugeVec
	lastPrice       *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantis_cycles_total",
				Help: "Trade cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quantis_cycle_duration_seconds",
				Help:    "Duration of trade cycles in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		seriesSynced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantis_series_synced_total",
				Help: "Series sync attempts by status",
			},
			[]string{"granularity", "status"},
		),
		candlesUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantis_candles_upserted_total",
				Help: "Candles inserted or changed in the store",
			},
			[]string{"symbol", "granularity"},
		),
		oracleRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantis_oracle_requests_total",
				Help: "Oracle signal requests by status and signal",
			},
			[]string{"status", "signal"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantis_strategy_outcomes_total",
				Help: "Strategy outcomes by action and status",
			},
			[]string{"action", "status"},
		),
		heldBase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantis_held_base",
				Help: "1 when the base asset is held, 0 when the quote asset is held",
			},
			[]string{"symbol"},
		),
		lastPrice: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantis_last_close",
				Help: "Last close seen by the indicator engine",
			},
			[]string{"symbol", "granularity"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantis_http_requests_total",
				Help: "Status API requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantis_http_request_duration_seconds",
				Help:    "Status API request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"route", "method"},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordCycle records one trade cycle.
func (r *Recorder) RecordCycle(result string, d time.Duration) {
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

// RecordSeriesSync records the status of one series sync.
func (r *Recorder) RecordSeriesSync(granularity, status string) {
	r.seriesSynced.WithLabelValues(granularity, status).Inc()
}

// RecordCandlesUpserted adds applied candles for a series.
func (r *Recorder) RecordCandlesUpserted(symbol, granularity string, n int) {
	if n > 0 {
		r.candlesUpserted.WithLabelValues(symbol, granularity).Add(float64(n))
	}
}

// RecordOracle records an oracle request.
func (r *Recorder) RecordOracle(status, signal string) {
	r.oracleRequests.WithLabelValues(status, signal).Inc()
}

// RecordOutcome records a strategy outcome.
func (r *Recorder) RecordOutcome(action, status string) {
	r.outcomes.WithLabelValues(action, status).Inc()
}

// RecordHeldBase sets the held side gauge.
func (r *Recorder) RecordHeldBase(symbol string, base bool) {
	v := 0.0
	if base {
		v = 1
	}
	r.heldBase.WithLabelValues(symbol).Set(v)
}

// RecordLastClose sets the last close gauge.
func (r *Recorder) RecordLastClose(symbol, granularity string, price float64) {
	r.lastPrice.WithLabelValues(symbol, granularity).Set(price)
}

// RecordHTTP records one status API request.
func (r *Recorder) RecordHTTP(route, method, status string, d time.Duration) {
	r.httpRequests.WithLabelValues(route, method, status).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
