// Package engine executes materialized spiders: it schedules their
// requests through per-host downloader slots, fetches pages over HTTP or a
// headless browser, runs spider callbacks and persists the records they
// yield.
package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/progress"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/storage"
	"github.com/JakeFAU/spiderfleet/internal/telemetry"
)

// Config holds engine-wide defaults. Per-spider settings override them.
type Config struct {
	UserAgent          string
	Concurrency        int
	PerHostConcurrency int
	DownloadDelay      time.Duration
	RequestTimeout     time.Duration
	MaxDepth           int
	ArchivePrefix      string
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "spiderfleet/1.0"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "pages"
	}
	return c
}

// RecordStore is the part of the store the record pipeline writes to.
type RecordStore interface {
	UpsertRecord(ctx context.Context, rec spider.Record) error
	FindRecordIdentity(ctx context.Context, spiderName, recordName, url string) (string, error)
}

// LogFactory opens the per-spider logger. The returned func releases it.
type LogFactory func(spiderName string) (*zap.Logger, func(), error)

// Deps are the collaborators of an Engine. Fetcher, Records, IDs and
// Logger are required.
type Deps struct {
	Fetcher  spider.Fetcher
	Headless spider.Fetcher
	Detector spider.HeadlessDetector
	Records  RecordStore
	Blobs    storage.BlobStore
	Hasher   spider.Hasher
	IDs      spider.IDGenerator
	Clock    spider.Clock
	Progress progress.Emitter
	Logs     LogFactory
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Engine creates handles that run spiders.
type Engine struct {
	cfg  Config
	deps Deps
}

// New validates deps and returns an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("engine: fetcher is required")
	case deps.Records == nil:
		return nil, errors.New("engine: record store is required")
	case deps.IDs == nil:
		return nil, errors.New("engine: id generator is required")
	case deps.Logger == nil:
		return nil, errors.New("engine: logger is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer("engine")
	}
	return &Engine{cfg: cfg.withDefaults(), deps: deps}, nil
}

// Create binds a JobType to a new, not yet running handle.
func (e *Engine) Create(t spider.JobType) (spider.Runner, error) {
	if t == nil {
		return nil, errors.New("engine: nil job type")
	}
	return newHandle(e, t)
}
