// Package updater batches refresh work for records that already exist in
// the store. Each batch runs as one ephemeral engine job whose requests are
// routed back to the spiders that own or can search for each record.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/registry"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/spiderdef"
	"github.com/JakeFAU/spiderfleet/internal/telemetry"
)

// Store is the slice of the persistence contract the coordinator reads.
type Store interface {
	FindByStatus(ctx context.Context, statuses ...spider.Status) ([]spider.Definition, error)
	FindSearchable(ctx context.Context) ([]spider.Definition, error)
	RecordBriefs(ctx context.Context, recordNames []string) (map[string][]spider.RecordBrief, error)
	PullPendingUpdates(ctx context.Context, recordNames []string) error
}

// Loader materializes spider types.
type Loader interface {
	Preload(ctx context.Context, name string) (*spiderdef.Type, error)
}

// Observer counts update batches.
type Observer interface {
	ObserveUpdateBatch(mode string, requests int)
}

// Batch modes reported to the Observer.
const (
	ModeCreate = "create"
	ModeInject = "inject"
)

// Config tunes the coordinator.
type Config struct {
	// GeneralSpider is the name the ephemeral job runs and registers under.
	GeneralSpider string
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Store    Store
	Loader   Loader
	Engine   spider.Engine
	Registry *registry.Registry
	Observer Observer
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Coordinator owns at most one ephemeral update job at a time.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu         sync.Mutex
	finished   map[string]struct{}
	types      map[string]*spiderdef.Type
	searchable []string
	updating   map[string]struct{}
	creating   bool
	handle     *registry.Handle
	batch      *batchType
	done       chan struct{}
}

// New constructs a Coordinator. Call Initial before Update.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Store == nil, deps.Loader == nil, deps.Engine == nil, deps.Registry == nil:
		return nil, errors.New("updater requires a store, a loader, an engine and a registry")
	case cfg.GeneralSpider == "":
		return nil, errors.New("updater requires a general spider name")
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer("updater")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.Named("updater"),
		finished: make(map[string]struct{}),
		types:    make(map[string]*spiderdef.Type),
		updating: make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Initial loads the roster of finished spiders and materializes the
// searchable ones. It reports false when no spider has finished, in which
// case the coordinator has nothing to route to and should be discarded.
func (c *Coordinator) Initial(ctx context.Context) (bool, error) {
	finished, err := c.deps.Store.FindByStatus(ctx, spider.StatusFinished)
	if err != nil {
		return false, fmt.Errorf("find finished spiders: %w", err)
	}
	if len(finished) == 0 {
		c.logger.Info("no finished spider found, discarding update coordinator")
		return false, nil
	}
	searchable, err := c.deps.Store.FindSearchable(ctx)
	if err != nil {
		return false, fmt.Errorf("find searchable spiders: %w", err)
	}

	c.mu.Lock()
	for _, def := range finished {
		c.finished[def.Name] = struct{}{}
	}
	c.mu.Unlock()

	for _, def := range searchable {
		if _, err := c.spiderType(ctx, def.Name); err != nil {
			c.logger.Error("skip searchable spider", zap.String("spider", def.Name), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.searchable = append(c.searchable, def.Name)
		c.mu.Unlock()
	}
	c.mu.Lock()
	sort.Strings(c.searchable)
	c.mu.Unlock()
	return true, nil
}

func (c *Coordinator) spiderType(ctx context.Context, name string) (*spiderdef.Type, error) {
	c.mu.Lock()
	typ, ok := c.types[name]
	c.mu.Unlock()
	if ok {
		return typ, nil
	}
	typ, err := c.deps.Loader.Preload(ctx, name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.types[name] = typ
	c.mu.Unlock()
	return typ, nil
}

// Delta returns the records in pending that were not pending on the
// previous call, sorted, and remembers pending as the records in flight.
func (c *Coordinator) Delta(pending []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deltaLocked(pending)
}

func (c *Coordinator) deltaLocked(pending []string) []string {
	next := make(map[string]struct{}, len(pending))
	var delta []string
	for _, name := range pending {
		if _, dup := next[name]; dup {
			continue
		}
		next[name] = struct{}{}
		if _, seen := c.updating[name]; !seen {
			delta = append(delta, name)
		}
	}
	c.updating = next
	sort.Strings(delta)
	return delta
}

// Update processes the current pending set. The first non-empty delta
// starts the ephemeral job; later deltas are injected into it while it is
// busy and ignored once it has gone idle.
func (c *Coordinator) Update(ctx context.Context, pending []string) error {
	c.mu.Lock()
	if !c.creating {
		delta := c.deltaLocked(pending)
		if len(delta) == 0 {
			c.mu.Unlock()
			return nil
		}
		c.creating = true
		c.mu.Unlock()
		return c.create(ctx, delta)
	}
	h := c.handle
	if h == nil || !h.Running() || h.Runner().IsIdle() {
		c.mu.Unlock()
		c.logger.Info("ignore pending records because the update job is not ready or idle")
		return nil
	}
	delta := c.deltaLocked(pending)
	c.mu.Unlock()
	if len(delta) == 0 {
		return nil
	}
	return c.inject(ctx, h, delta)
}

func (c *Coordinator) create(ctx context.Context, delta []string) (err error) {
	ctx, span := c.startSpan(ctx, "updater.create", delta)
	defer func() { telemetry.End(span, err) }()

	reqs, err := c.Requests(ctx, delta)
	if err != nil {
		c.abandon(delta)
		return err
	}
	batch := &batchType{name: c.cfg.GeneralSpider, requests: reqs, types: c.snapshotTypes()}
	runner, err := c.deps.Engine.Create(batch)
	if err != nil {
		c.abandon(delta)
		return fmt.Errorf("create update job: %w", err)
	}
	h := registry.NewHandle(batch.name, runner)
	h.OnComplete(c.completed)
	if err := c.deps.Registry.Add(h); err != nil {
		c.abandon(delta)
		return fmt.Errorf("register update job: %w", err)
	}
	c.mu.Lock()
	c.handle, c.batch = h, batch
	c.mu.Unlock()
	if err := h.Start(context.WithoutCancel(ctx)); err != nil {
		c.deps.Registry.Remove(h)
		c.abandon(delta)
		c.logger.Error("update job bootstrap failed", zap.String("spider", batch.name), zap.Error(err))
		c.release()
		return fmt.Errorf("start update job: %w", err)
	}
	span.SetAttributes(attribute.Int("update.requests", len(reqs)))
	c.observe(ModeCreate, len(reqs))
	c.logger.Info("created update job", zap.Strings("records", delta), zap.Int("requests", len(reqs)))
	return nil
}

func (c *Coordinator) inject(ctx context.Context, h *registry.Handle, delta []string) (err error) {
	ctx, span := c.startSpan(ctx, "updater.inject", delta)
	defer func() { telemetry.End(span, err) }()

	reqs, err := c.Requests(ctx, delta)
	if err != nil {
		c.forget(delta)
		return err
	}
	// The job may have requests for spiders it has not seen yet.
	if batch, ok := c.batchOf(h); ok {
		batch.addTypes(c.snapshotTypes())
	}
	if err := h.Runner().Inject(reqs...); err != nil {
		c.forget(delta)
		return fmt.Errorf("inject update requests: %w", err)
	}
	span.SetAttributes(attribute.Int("update.requests", len(reqs)))
	c.observe(ModeInject, len(reqs))
	c.logger.Info("injected requests into running update job", zap.Strings("records", delta), zap.Int("requests", len(reqs)))
	return nil
}

func (c *Coordinator) startSpan(ctx context.Context, name string, delta []string) (context.Context, trace.Span) {
	return c.deps.Tracer.Start(ctx, name, trace.WithAttributes(
		telemetry.SpiderAttr(c.cfg.GeneralSpider),
		attribute.Int("update.records", len(delta)),
	))
}

// abandon resets a batch that never started.
func (c *Coordinator) abandon(delta []string) {
	c.forget(delta)
	c.mu.Lock()
	c.creating = false
	c.handle, c.batch = nil, nil
	c.mu.Unlock()
}

// forget drops records that were never dispatched so a later job retries
// them and completion does not pull them from the pending set.
func (c *Coordinator) forget(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		delete(c.updating, name)
	}
}

func (c *Coordinator) completed(h *registry.Handle, comp spider.Completion) {
	c.deps.Registry.Remove(h)

	c.mu.Lock()
	processed := make([]string, 0, len(c.updating))
	for name := range c.updating {
		processed = append(processed, name)
	}
	c.mu.Unlock()
	sort.Strings(processed)

	if err := c.deps.Store.PullPendingUpdates(context.Background(), processed); err != nil {
		c.logger.Error("pull processed records from pending updates", zap.Error(err))
	}
	fields := []zap.Field{
		zap.String("spider", h.Name()),
		zap.String("outcome", string(comp.Outcome)),
		zap.Int("records", len(processed)),
	}
	if comp.Outcome == spider.OutcomeError {
		c.logger.Error("update job failed", append(fields, zap.String("detail", comp.Detail))...)
	} else {
		c.logger.Info("update job finished", fields...)
	}
	c.release()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creating = false
	c.handle, c.batch = nil, nil
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Done is closed once the coordinator's job has completed or failed to
// start. A released coordinator should be replaced, not reused.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Active reports whether an update job is being created or running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creating
}

// Updating returns the records currently in flight, sorted.
func (c *Coordinator) Updating() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.updating))
	for name := range c.updating {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Requests builds the follow-up requests for records. Records with prior
// scrapes are refreshed by every finished spider that produced them and
// searched by every other searchable spider; unknown records are searched
// by all searchable spiders. A spider that fails to load is skipped.
func (c *Coordinator) Requests(ctx context.Context, records []string) ([]spider.Request, error) {
	briefs, err := c.deps.Store.RecordBriefs(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("read record briefs: %w", err)
	}
	c.mu.Lock()
	searchable := append([]string(nil), c.searchable...)
	c.mu.Unlock()

	var reqs []spider.Request
	for _, record := range records {
		used := make(map[string]struct{})
		for _, brief := range briefs[record] {
			if !c.isFinished(brief.Spider) {
				continue
			}
			typ, err := c.spiderType(ctx, brief.Spider)
			if err != nil {
				c.logger.Error("skip spider for refresh", zap.String("spider", brief.Spider), zap.Error(err))
				continue
			}
			used[brief.Spider] = struct{}{}
			reqs = append(reqs, typ.RefreshRequest(brief))
		}
		for _, name := range searchable {
			if _, ok := used[name]; ok {
				continue
			}
			if req, ok := c.searchRequest(ctx, name, record); ok {
				reqs = append(reqs, req)
			}
		}
	}
	return reqs, nil
}

func (c *Coordinator) searchRequest(ctx context.Context, spiderName, record string) (spider.Request, bool) {
	typ, err := c.spiderType(ctx, spiderName)
	if err != nil {
		c.logger.Error("skip spider for search", zap.String("spider", spiderName), zap.Error(err))
		return spider.Request{}, false
	}
	if !typ.CanSearch() {
		c.logger.Error("spider is searchable but has no search request", zap.String("spider", spiderName))
		return spider.Request{}, false
	}
	req, err := typ.SearchRequest(record)
	if err != nil {
		c.logger.Error("build search request", zap.String("spider", spiderName), zap.String("record", record), zap.Error(err))
		return spider.Request{}, false
	}
	return req, true
}

func (c *Coordinator) isFinished(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finished[name]
	return ok
}

func (c *Coordinator) snapshotTypes() map[string]spider.JobType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]spider.JobType, len(c.types))
	for name, typ := range c.types {
		out[name] = typ
	}
	return out
}

func (c *Coordinator) batchOf(h *registry.Handle) (*batchType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != h || c.batch == nil {
		return nil, false
	}
	return c.batch, true
}

func (c *Coordinator) observe(mode string, n int) {
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveUpdateBatch(mode, n)
	}
}
