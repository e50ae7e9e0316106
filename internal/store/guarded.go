package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// OpKind separates reads from writes in the operations files.
type OpKind string

// Operation kinds.
const (
	OpRead  OpKind = "read"
	OpWrite OpKind = "write"
)

// Failure is one caught store error.
type Failure struct {
	At     time.Time `json:"at"`
	Op     string    `json:"op"`
	Kind   OpKind    `json:"kind"`
	Spider string    `json:"spider,omitempty"`
	Error  string    `json:"error"`
}

// Config controls the catcher.
type Config struct {
	// Dir receives read-op.txt and write-op.txt. Empty disables the files.
	Dir string
	// LogSize bounds the in-memory failure log.
	LogSize int
	// OnFailure is called for every caught failure, e.g. to bump a metric.
	OnFailure func(op string, kind OpKind)
	Clock     spider.Clock
}

// Guarded is a spider.Store that catches and records failures of the
// store it wraps. Not-found results are answers, not failures, and pass
// through uncounted.
type Guarded struct {
	inner  spider.Store
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	count    int64
	failures []Failure
	next     int
}

var _ spider.Store = (*Guarded)(nil)

// NewGuarded wraps inner.
func NewGuarded(inner spider.Store, cfg Config, logger *zap.Logger) *Guarded {
	if cfg.LogSize <= 0 {
		cfg.LogSize = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{inner: inner, cfg: cfg, logger: logger.Named("store")}
}

// Inner returns the wrapped store.
func (g *Guarded) Inner() spider.Store { return g.inner }

// Count returns how many failures were caught.
func (g *Guarded) Count() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Failures returns the retained failures, oldest first.
func (g *Guarded) Failures() []Failure {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.failures) < g.cfg.LogSize {
		return append([]Failure(nil), g.failures...)
	}
	out := make([]Failure, 0, len(g.failures))
	out = append(out, g.failures[g.next:]...)
	return append(out, g.failures[:g.next]...)
}

func (g *Guarded) catch(op string, kind OpKind, spiderName string, err error) error {
	if err == nil || errors.Is(err, spider.ErrNotFound) {
		return err
	}
	f := Failure{At: g.cfg.Clock.Now(), Op: op, Kind: kind, Spider: spiderName, Error: err.Error()}

	g.mu.Lock()
	g.count++
	if len(g.failures) < g.cfg.LogSize {
		g.failures = append(g.failures, f)
	} else {
		g.failures[g.next] = f
		g.next = (g.next + 1) % g.cfg.LogSize
	}
	if g.cfg.Dir != "" {
		if werr := g.appendFile(f); werr != nil {
			g.logger.Warn("write store failure file", zap.Error(werr))
		}
	}
	g.mu.Unlock()

	g.logger.Error("store operation failed",
		zap.String("op", op),
		zap.String("kind", string(kind)),
		zap.String("spider", spiderName),
		zap.Error(err),
	)
	if g.cfg.OnFailure != nil {
		g.cfg.OnFailure(op, kind)
	}
	if errors.Is(err, spider.ErrStore) || errors.Is(err, spider.ErrDataConsistency) {
		return err
	}
	return spider.Wrap(spider.ErrStore, spiderName, fmt.Errorf("%s: %w", op, err))
}

func (g *Guarded) appendFile(f Failure) error {
	if err := os.MkdirAll(g.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create failure dir: %w", err)
	}
	path := filepath.Join(g.cfg.Dir, string(f.Kind)+"-op.txt")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open failure file: %w", err)
	}
	defer file.Close()
	line := fmt.Sprintf("%s\t%s\t%s\t%s\n", f.At.Format(time.RFC3339), f.Op, f.Spider, f.Error)
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("append failure file: %w", err)
	}
	return nil
}

// FindByStatus implements spider.Store.
func (g *Guarded) FindByStatus(ctx context.Context, statuses ...spider.Status) ([]spider.Definition, error) {
	defs, err := g.inner.FindByStatus(ctx, statuses...)
	return defs, g.catch("find_by_status", OpRead, "", err)
}

// FindSearchable implements spider.Store.
func (g *Guarded) FindSearchable(ctx context.Context) ([]spider.Definition, error) {
	defs, err := g.inner.FindSearchable(ctx)
	return defs, g.catch("find_searchable", OpRead, "", err)
}

// GetSource implements spider.Store.
func (g *Guarded) GetSource(ctx context.Context, name string) (string, error) {
	src, err := g.inner.GetSource(ctx, name)
	return src, g.catch("get_source", OpRead, name, err)
}

// Rates implements spider.Store.
func (g *Guarded) Rates(ctx context.Context, names []string) (map[string]int, error) {
	rates, err := g.inner.Rates(ctx, names)
	return rates, g.catch("rates", OpRead, "", err)
}

// SetStatus implements spider.Store.
func (g *Guarded) SetStatus(ctx context.Context, name string, status spider.Status, comment string) error {
	return g.catch("set_status", OpWrite, name, g.inner.SetStatus(ctx, name, status, comment))
}

// SaveStats implements spider.Store.
func (g *Guarded) SaveStats(ctx context.Context, name string, stats spider.Stats) error {
	return g.catch("save_stats", OpWrite, name, g.inner.SaveStats(ctx, name, stats))
}

// UpsertRecord implements spider.Store.
func (g *Guarded) UpsertRecord(ctx context.Context, rec spider.Record) error {
	return g.catch("upsert_record", OpWrite, rec.Spider, g.inner.UpsertRecord(ctx, rec))
}

// FindRecordIdentity implements spider.Store.
func (g *Guarded) FindRecordIdentity(ctx context.Context, spiderName, recordName, url string) (string, error) {
	id, err := g.inner.FindRecordIdentity(ctx, spiderName, recordName, url)
	return id, g.catch("find_record_identity", OpRead, spiderName, err)
}

// RecordBriefs implements spider.Store.
func (g *Guarded) RecordBriefs(ctx context.Context, recordNames []string) (map[string][]spider.RecordBrief, error) {
	briefs, err := g.inner.RecordBriefs(ctx, recordNames)
	return briefs, g.catch("record_briefs", OpRead, "", err)
}

// DeleteRecords implements spider.Store.
func (g *Guarded) DeleteRecords(ctx context.Context, spiderName string) (int64, error) {
	n, err := g.inner.DeleteRecords(ctx, spiderName)
	return n, g.catch("delete_records", OpWrite, spiderName, err)
}

// PendingUpdates implements spider.Store.
func (g *Guarded) PendingUpdates(ctx context.Context) ([]string, error) {
	names, err := g.inner.PendingUpdates(ctx)
	return names, g.catch("pending_updates", OpRead, "", err)
}

// PullPendingUpdates implements spider.Store.
func (g *Guarded) PullPendingUpdates(ctx context.Context, recordNames []string) error {
	return g.catch("pull_pending_updates", OpWrite, "", g.inner.PullPendingUpdates(ctx, recordNames))
}

// Close implements spider.Store.
func (g *Guarded) Close() error {
	return g.catch("close", OpWrite, "", g.inner.Close())
}
