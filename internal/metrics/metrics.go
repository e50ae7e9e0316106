// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitionsTotal       *prometheus.CounterVec
	runningSpiders         prometheus.Gauge
	rateChangesTotal       *prometheus.CounterVec
	storeFailuresTotal     *prometheus.CounterVec
	updateBatchesTotal     *prometheus.CounterVec
	updateRequestsTotal    prometheus.Counter
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec
}

// New registers the collectors with reg. When reg is also a Gatherer it
// backs Handler.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_transitions_total",
			Help: "Lifecycle transitions dispatched, labeled by transition and result.",
		}, []string{"transition", "result"}),
		runningSpiders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spiderfleet_running_spiders",
			Help: "Spiders currently held in the running registry.",
		}),
		rateChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_rate_changes_total",
			Help: "Concurrency changes pushed into running spiders, labeled by result.",
		}, []string{"result"}),
		storeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_store_failures_total",
			Help: "Store operations that failed, labeled by operation and kind.",
		}, []string{"op", "kind"}),
		updateBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_update_batches_total",
			Help: "Refresh batches handled by the update coordinator, labeled by mode.",
		}, []string{"mode"}),
		updateRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spiderfleet_update_requests_total",
			Help: "Refresh and search requests emitted by the update coordinator.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_http_requests_total",
			Help: "Admin HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spiderfleet_http_request_duration_seconds",
			Help:    "Admin HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{
		m.transitionsTotal, m.runningSpiders, m.rateChangesTotal, m.storeFailuresTotal,
		m.updateBatchesTotal, m.updateRequestsTotal, m.httpRequestsTotal, m.httpRequestDurationSec,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveTransition counts one dispatched transition.
func (m *Metrics) ObserveTransition(transition string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitionsTotal.WithLabelValues(transition, result).Inc()
}

// SetRunning records the registry size.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.runningSpiders.Set(float64(n))
}

// ObserveRateChange counts a rate change that was applied or rejected.
func (m *Metrics) ObserveRateChange(applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.rateChangesTotal.WithLabelValues(result).Inc()
}

// ObserveStoreFailure counts a failed store operation.
func (m *Metrics) ObserveStoreFailure(op, kind string) {
	if m == nil {
		return
	}
	m.storeFailuresTotal.WithLabelValues(op, kind).Inc()
}

// ObserveUpdateBatch counts a refresh batch and the requests it carried.
func (m *Metrics) ObserveUpdateBatch(mode string, requests int) {
	if m == nil {
		return
	}
	m.updateBatchesTotal.WithLabelValues(mode).Inc()
	m.updateRequestsTotal.Add(float64(requests))
}

func (m *Metrics) observeHTTPRequest(method, route string, code int, seconds float64) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSec.WithLabelValues(method, route).Observe(seconds)
}
