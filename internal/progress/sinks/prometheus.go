package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/spiderfleet/internal/progress"
)

// PrometheusSink exports run and fetch progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	records       *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_runs_started_total",
			Help: "Spider runs started.",
		}, []string{"spider"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_runs_completed_total",
			Help: "Spider runs completed partitioned by result.",
		}, []string{"spider", "result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spiderfleet_runs_active",
			Help: "Spider runs currently executing.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spiderfleet_run_runtime_seconds",
			Help:    "Wall time per completed spider run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_fetches_total",
			Help: "Fetches partitioned by spider and status class.",
		}, []string{"spider", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_fetch_bytes_total",
			Help: "Bytes downloaded per spider.",
		}, []string{"spider"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spiderfleet_fetch_duration_seconds",
			Help:    "Fetch latency partitioned by status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spiderfleet_records_saved_total",
			Help: "Records upserted per spider.",
		}, []string{"spider"}),
		tracker: &runTracker{running: make(map[[16]byte]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runRuntime,
		s.fetches, s.fetchBytes, s.fetchDuration, s.records,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.WithLabelValues(evt.Spider).Inc()
			if s.tracker.start(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone, progress.StageRunError, progress.StageRunTerminated:
			result := resultLabel(evt.Stage)
			s.runsCompleted.WithLabelValues(evt.Spider, result).Inc()
			if evt.Dur > 0 {
				s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.RunID) {
				s.runsActive.Dec()
			}
		case progress.StageFetchDone, progress.StageFetchError:
			class := string(evt.StatusClass)
			if class == "" {
				class = string(progress.StatusOther)
			}
			s.fetches.WithLabelValues(evt.Spider, class).Inc()
			if evt.Bytes > 0 {
				s.fetchBytes.WithLabelValues(evt.Spider).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
			}
		case progress.StageRecordSaved:
			s.records.WithLabelValues(evt.Spider).Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageRunError:
		return "error"
	case progress.StageRunTerminated:
		return "terminated"
	default:
		return "success"
	}
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
