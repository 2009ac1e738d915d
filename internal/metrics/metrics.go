// Package metrics exposes draw engine counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prizedraw/internal/errs"
)

const namespace = "prizedraw"

// Metrics records draw outcomes and HTTP traffic.
type Metrics struct {
	Registry *prometheus.Registry

	queued       *prometheus.CounterVec
	executed     prometheus.Counter
	execDuration prometheus.Histogram
	prizes       *prometheus.CounterVec
	refunds      prometheus.Counter
	refunded     prometheus.Counter
	collected    prometheus.Counter
	failures     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	relayRuns    *prometheus.CounterVec
	payouts      *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draws_queued_total",
			Help:      "Draw units queued, by entry point.",
		}, []string{"entry"}),
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draw_units_executed_total",
			Help:      "Draw units resolved into prizes.",
		}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Duration of successful draw executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		prizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prizes_awarded_total",
			Help:      "Prizes deposited into slots, by prize id.",
		}, []string{"prize"}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Expired draws refunded.",
		}),
		refunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_amount_total",
			Help:      "Native base units paid back for expired draws.",
		}),
		collected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prizes_collected_total",
			Help:      "Prizes paid out of slots.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed operations, by operation, kind and label.",
		}, []string{"op", "kind", "label"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		relayRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "exec_attempts_total",
			Help:      "Exec attempts made by the relay, by result.",
		}, []string{"result"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "transfers_total",
			Help:      "Payout transfers handed to the ledger, by result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queued, m.executed, m.execDuration, m.prizes, m.refunds, m.refunded,
		m.collected, m.failures, m.httpRequests, m.httpDuration, m.relayRuns, m.payouts,
	)
	return m
}

func (m *Metrics) Queued(entry string, units uint64) {
	m.queued.WithLabelValues(entry).Add(float64(units))
}

func (m *Metrics) Executed(units int, elapsed time.Duration) {
	m.executed.Add(float64(units))
	m.execDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Prize(id uint64) {
	m.prizes.WithLabelValues(strconv.FormatUint(id, 10)).Inc()
}

func (m *Metrics) Refunded(amount uint64) {
	m.refunds.Inc()
	m.refunded.Add(float64(amount))
}

func (m *Metrics) Collected(prizes int) {
	m.collected.Add(float64(prizes))
}

func (m *Metrics) Failed(op string, err error) {
	m.failures.WithLabelValues(op, errs.KindOf(err).String(), errs.Label(err)).Inc()
}

// ObserveHTTP records one handled request.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// RelayAttempt records the result of one relay exec attempt.
func (m *Metrics) RelayAttempt(result string) {
	m.relayRuns.WithLabelValues(result).Inc()
}

// Payout records the result of handing one transfer to the ledger.
func (m *Metrics) Payout(result string) {
	m.payouts.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
