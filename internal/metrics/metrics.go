// ============================================================================
// swarm-pool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 統計 worker 結果、排程器訂單與探測檢查，供 Prometheus 抓取
//
// Metric groups:
//
//   1. Swarm workers (Counter / Gauge):
//      - swarm_workers_dispatched_total
//      - swarm_workers_finished_total{outcome="succeeded|failed|skipped"}
//      - swarm_sessions_in_use        (limiter slots held)
//      - swarm_workers_parked         (successful sessions kept alive)
//      - swarm_step_duration_seconds  (one UI step, Histogram)
//
//   2. Scheduler:
//      - swarm_orders_total{outcome="success|failure|error"}
//      - swarm_order_latency_seconds  (Histogram)
//
//   3. Prober:
//      - swarm_probe_codes_checked_total
//      - swarm_probe_codes_valid_total
//      - swarm_jobs_evicted_total
//
// Example queries:
//
//   # share of workers failing
//   rate(swarm_workers_finished_total{outcome="failed"}[5m])
//     / rate(swarm_workers_dispatched_total[5m])
//
//   # probe throughput
//   rate(swarm_probe_codes_checked_total[1m])
//
// All methods are safe on a nil *Collector, so packages can run without
// metrics in tests.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker outcomes
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Order outcomes
const (
	OrderSuccess = "success"
	OrderFailure = "failure"
	OrderError   = "error"
)

// Collector Prometheus metrics collector
type Collector struct {
	workersDispatched prometheus.Counter
	workersFinished   *prometheus.CounterVec
	sessionsInUse     prometheus.Gauge
	workersParked     prometheus.Gauge
	stepDuration      prometheus.Histogram

	orders       *prometheus.CounterVec
	orderLatency prometheus.Histogram

	codesChecked prometheus.Counter
	codesValid   prometheus.Counter
	jobsEvicted  prometheus.Counter
}

// NewCollector creates the collector and registers it on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		workersDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_workers_dispatched_total",
			Help: "Total number of swarm workers dispatched",
		}),
		workersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_workers_finished_total",
			Help: "Total number of swarm workers reaching a terminal status",
		}, []string{"outcome"}),
		sessionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_sessions_in_use",
			Help: "Current number of session slots held",
		}),
		workersParked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_workers_parked",
			Help: "Current number of successful sessions kept alive",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_step_duration_seconds",
			Help:    "Duration of one UI step in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_orders_total",
			Help: "Total number of scheduler orders by outcome",
		}, []string{"outcome"}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_order_latency_seconds",
			Help:    "Order call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		codesChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_probe_codes_checked_total",
			Help: "Total number of codes probed",
		}),
		codesValid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_probe_codes_valid_total",
			Help: "Total number of probed codes found valid",
		}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_jobs_evicted_total",
			Help: "Total number of finished batch jobs evicted",
		}),
	}

	reg.MustRegister(
		c.workersDispatched,
		c.workersFinished,
		c.sessionsInUse,
		c.workersParked,
		c.stepDuration,
		c.orders,
		c.orderLatency,
		c.codesChecked,
		c.codesValid,
		c.jobsEvicted,
	)

	return c
}

// RecordDispatch counts one dispatched worker
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.workersDispatched.Inc()
}

// RecordWorkerOutcome counts a worker reaching succeeded, failed or skipped
func (c *Collector) RecordWorkerOutcome(outcome string) {
	if c == nil {
		return
	}
	c.workersFinished.WithLabelValues(outcome).Inc()
}

// RecordStep observes one UI step duration
func (c *Collector) RecordStep(seconds float64) {
	if c == nil {
		return
	}
	c.stepDuration.Observe(seconds)
}

// SetSessionsInUse updates the limiter gauge
func (c *Collector) SetSessionsInUse(n int) {
	if c == nil {
		return
	}
	c.sessionsInUse.Set(float64(n))
}

// AddParked moves the parked gauge by delta
func (c *Collector) AddParked(delta int) {
	if c == nil {
		return
	}
	c.workersParked.Add(float64(delta))
}

// RecordOrder counts one order and observes its latency
func (c *Collector) RecordOrder(outcome string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.orders.WithLabelValues(outcome).Inc()
	c.orderLatency.Observe(latencySeconds)
}

// RecordProbe counts one probed code
func (c *Collector) RecordProbe(valid bool) {
	if c == nil {
		return
	}
	c.codesChecked.Inc()
	if valid {
		c.codesValid.Inc()
	}
}

// RecordEvicted counts evicted jobs
func (c *Collector) RecordEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsEvicted.Add(float64(n))
}

// Handler returns the scrape handler for the given gatherer.
// A nil gatherer serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer builds the /metrics HTTP server for port. The caller owns
// ListenAndServe and Shutdown.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
