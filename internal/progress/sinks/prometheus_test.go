package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderfleet/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := uuid.New()
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, Spider: "films", TS: now, Stage: progress.StageRunStart},
		{RunID: runID, Spider: "films", TS: now, Stage: progress.StageRunStart},
		{
			RunID: runID, Spider: "films", TS: now.Add(time.Second), Stage: progress.StageFetchDone,
			Site: "films.example", Bytes: 2048, StatusClass: progress.Status2xx, Dur: 150 * time.Millisecond,
		},
		{
			RunID: runID, Spider: "films", TS: now.Add(time.Second), Stage: progress.StageFetchError,
			Site: "films.example", StatusClass: progress.Status5xx,
		},
		{RunID: runID, Spider: "films", TS: now.Add(2 * time.Second), Stage: progress.StageRecordSaved},
		{RunID: runID, Spider: "films", TS: now.Add(3 * time.Second), Stage: progress.StageRunTerminated, Dur: 3 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("films")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("films", "terminated")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("films", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("films", "5xx")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("films")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.records.WithLabelValues("films")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "spiderfleet_fetch_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
