package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/progress"
	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// StatsSaver persists per-spider run statistics.
type StatsSaver interface {
	SaveStats(ctx context.Context, name string, stats spider.Stats) error
}

// StatsSink folds events into running per-run totals and saves a snapshot
// for every run touched by a batch.
type StatsSink struct {
	saver  StatsSaver
	logger *zap.Logger

	mu   sync.Mutex
	runs map[[16]byte]*runStats
}

type runStats struct {
	spider string
	stats  spider.Stats
}

// NewStatsSink constructs a StatsSink.
func NewStatsSink(saver StatsSaver, logger *zap.Logger) *StatsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsSink{saver: saver, logger: logger, runs: make(map[[16]byte]*runStats)}
}

// Consume updates totals and persists them.
func (s *StatsSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.saver == nil {
		return nil
	}
	type snapshot struct {
		spider string
		stats  spider.Stats
	}
	var pending []snapshot
	touched := make(map[[16]byte]struct{})

	s.mu.Lock()
	for _, evt := range batch {
		run := s.runs[evt.RunID]
		if run == nil {
			run = &runStats{spider: evt.Spider, stats: spider.Stats{StartedAt: evt.TS}}
			s.runs[evt.RunID] = run
		}
		switch evt.Stage {
		case progress.StageRunStart:
			run.stats.StartedAt = evt.TS
		case progress.StageFetchDone:
			run.stats.Requests++
		case progress.StageFetchError:
			run.stats.Requests++
			run.stats.Failures++
		case progress.StageRecordSaved:
			run.stats.Records++
		}
		if evt.TS.After(run.stats.UpdatedAt) {
			run.stats.UpdatedAt = evt.TS
		}
		touched[evt.RunID] = struct{}{}
		if evt.Finished() {
			pending = append(pending, snapshot{spider: run.spider, stats: withRate(run.stats)})
			delete(s.runs, evt.RunID)
			delete(touched, evt.RunID)
		}
	}
	for id := range touched {
		run := s.runs[id]
		pending = append(pending, snapshot{spider: run.spider, stats: withRate(run.stats)})
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range pending {
		if err := s.saver.SaveStats(ctx, p.spider, p.stats); err != nil {
			errs = append(errs, fmt.Errorf("save stats for %s: %w", p.spider, err))
			continue
		}
		s.logger.Debug("saved spider stats",
			zap.String("spider", p.spider),
			zap.Int64("records", p.stats.Records),
			zap.Float64("records_per_minute", p.stats.RecordsPerMinute),
		)
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *StatsSink) Close(context.Context) error {
	return nil
}

func withRate(st spider.Stats) spider.Stats {
	elapsed := st.UpdatedAt.Sub(st.StartedAt)
	if elapsed >= time.Second {
		st.RecordsPerMinute = float64(st.Records) / elapsed.Minutes()
	}
	return st
}
