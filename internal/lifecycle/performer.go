package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/registry"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/spiderdef"
	"github.com/JakeFAU/spiderfleet/internal/telemetry"
)

// ErrInProgress is returned by Dispatch when the spider is already
// mid-transition.
var ErrInProgress = errors.New("transition in progress")

// Store is the slice of the persistence contract transitions need.
type Store interface {
	SetStatus(ctx context.Context, name string, status spider.Status, comment string) error
	DeleteRecords(ctx context.Context, spiderName string) (int64, error)
}

// Loader materializes spider types.
type Loader interface {
	Preload(ctx context.Context, name string) (*spiderdef.Type, error)
	IsLoaded(name string) bool
	Forget(name string)
}

// Observer receives transition metrics.
type Observer interface {
	ObserveTransition(transition string, err error)
	SetRunning(n int)
}

// Deps bundles the collaborators of a Performer.
type Deps struct {
	Store    Store
	Loader   Loader
	Engine   spider.Engine
	Registry *registry.Registry
	// Purger removes logs and archived pages on restart and delete. Optional.
	Purger spider.Purger
	// Publisher receives an Event for every persisted status. Optional.
	Publisher spider.Publisher
	Metrics   Observer
	Clock     spider.Clock
	// Tracer defaults to the global provider's lifecycle tracer.
	Tracer trace.Tracer
	Logger *zap.Logger
}

// Worker implements one transition.
type Worker interface {
	// Check validates the precondition without side effects.
	Check(ctx context.Context, name string) error
	// Change applies the transition and persists the resulting status.
	Change(ctx context.Context, name string) error
}

type workerFactory func(p *Performer) Worker

var factories = map[spider.Status]workerFactory{
	spider.StatusStart:     func(p *Performer) Worker { return startWorker{p} },
	spider.StatusTerminate: func(p *Performer) Worker { return terminateWorker{p} },
	spider.StatusPause:     func(p *Performer) Worker { return pauseWorker{p} },
	spider.StatusResume:    func(p *Performer) Worker { return resumeWorker{p} },
	spider.StatusRestart:   func(p *Performer) Worker { return restartWorker{p} },
	spider.StatusDelete:    func(p *Performer) Worker { return deleteWorker{p} },
}

// Performer is the single entry point for lifecycle transitions.
type Performer struct {
	deps   Deps
	guard  *Guard
	logger *zap.Logger

	mu      sync.Mutex
	workers map[spider.Status]Worker

	inflight sync.WaitGroup
}

// New constructs a Performer.
func New(deps Deps) (*Performer, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("lifecycle requires a store")
	case deps.Loader == nil:
		return nil, errors.New("lifecycle requires a loader")
	case deps.Engine == nil:
		return nil, errors.New("lifecycle requires an engine")
	case deps.Registry == nil:
		return nil, errors.New("lifecycle requires a registry")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopObserver{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer("lifecycle")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Performer{
		deps:    deps,
		guard:   NewGuard(),
		logger:  deps.Logger.Named("lifecycle"),
		workers: make(map[spider.Status]Worker),
	}, nil
}

// Guard exposes the set of spiders mid-transition.
func (p *Performer) Guard() *Guard { return p.guard }

// Registry returns the running registry the performer maintains.
func (p *Performer) Registry() *registry.Registry { return p.deps.Registry }

func (p *Performer) worker(status spider.Status) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[status]; ok {
		return w, nil
	}
	factory, ok := factories[status]
	if !ok {
		return nil, spider.Errorf(spider.ErrNotFound, "", "no worker for transition %q", status)
	}
	w := factory(p)
	p.workers[status] = w
	return w, nil
}

// Dispatch performs one transition synchronously. It returns ErrInProgress
// without side effects if name is already mid-transition. Any other failure
// has been persisted as status error before Dispatch returns.
func (p *Performer) Dispatch(ctx context.Context, status spider.Status, name string) error {
	if !p.guard.TryAcquire(name) {
		return ErrInProgress
	}
	defer p.guard.Release(name)
	return p.dispatch(ctx, status, name)
}

// Perform dispatches every requested transition whose spider is not already
// mid-transition and returns how many it started. Transitions run in the
// background; Wait blocks until they finish.
func (p *Performer) Perform(ctx context.Context, defs []spider.Definition) int {
	started := 0
	for _, def := range defs {
		name, status := def.Name, def.Status
		if !p.guard.TryAcquire(name) {
			continue
		}
		started++
		p.logger.Info("start to perform transition", zap.String("spider", name), zap.String("transition", string(status)))
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			defer p.guard.Release(name)
			if err := p.dispatch(ctx, status, name); err != nil {
				p.logger.Error("failed to perform transition",
					zap.String("spider", name), zap.String("transition", string(status)), zap.Error(err))
				return
			}
			p.logger.Info("finished performing transition", zap.String("spider", name), zap.String("transition", string(status)))
		}()
	}
	return started
}

// Wait blocks until every transition started by Perform has returned.
func (p *Performer) Wait() {
	p.inflight.Wait()
}

func (p *Performer) dispatch(ctx context.Context, status spider.Status, name string) (err error) {
	ctx, span := p.deps.Tracer.Start(ctx, "lifecycle.dispatch", trace.WithAttributes(
		telemetry.SpiderAttr(name),
		attribute.String("spider.transition", string(status)),
	))
	defer func() { telemetry.End(span, err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transition panicked: %v", r)
			p.deps.Metrics.ObserveTransition(string(status), err)
			p.fail(ctx, status, name, err)
		}
	}()

	w, err := p.worker(status)
	if err == nil {
		err = w.Check(ctx, name)
	}
	if err == nil {
		err = w.Change(ctx, name)
	}
	p.deps.Metrics.ObserveTransition(string(status), err)
	if err != nil {
		p.fail(ctx, status, name, err)
	}
	return err
}

func (p *Performer) fail(ctx context.Context, status spider.Status, name string, err error) {
	p.logger.Error("failed to change spider status",
		zap.String("spider", name),
		zap.String("transition", string(status)),
		zap.Error(err),
	)
	result, comment := spider.StatusError, err.Error()
	if live, ok := p.liveStatus(name); ok && isPrecondition(err) {
		result, comment = live, fmt.Sprintf("rejected %s: %s", status, err)
	}
	if perr := p.persist(ctx, status, name, result, comment); perr != nil {
		p.logger.Error("persist error status", zap.String("spider", name), zap.Error(perr))
	}
}

// liveStatus reports the state of a spider that is currently executing.
// A rejected request must not mark such a spider as failed.
func (p *Performer) liveStatus(name string) (spider.Status, bool) {
	h, ok := p.deps.Registry.Get(name)
	if !ok || !h.Running() || h.Terminating() {
		return "", false
	}
	if h.Runner().Paused() {
		return spider.StatusPaused, true
	}
	return spider.StatusRunning, true
}

func isPrecondition(err error) bool {
	for _, kind := range []error{spider.ErrAlreadyExists, spider.ErrNotRunning, spider.ErrAlreadyPaused, spider.ErrNotPaused} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func (p *Performer) persist(ctx context.Context, transition spider.Status, name string, status spider.Status, comment string) error {
	if err := p.deps.Store.SetStatus(ctx, name, status, comment); err != nil {
		return fmt.Errorf("persist status %s: %w", status, err)
	}
	p.publish(ctx, TopicTransition, Event{
		Spider:     name,
		Transition: transition,
		Status:     status,
		Comment:    comment,
		At:         p.deps.Clock.Now(),
	})
	return nil
}

func (p *Performer) publish(ctx context.Context, topic string, evt Event) {
	if p.deps.Publisher == nil {
		return
	}
	if _, err := p.deps.Publisher.Publish(ctx, topic, evt); err != nil {
		p.logger.Warn("publish lifecycle event", zap.String("spider", evt.Spider), zap.Error(err))
	}
}

// launch materializes name, registers a handle for it and starts the run.
func (p *Performer) launch(ctx context.Context, transition spider.Status, name string) error {
	typ, err := p.deps.Loader.Preload(ctx, name)
	if err != nil {
		if errors.Is(err, spider.ErrNotFound) {
			return spider.Wrap(spider.ErrDataConsistency, name, err)
		}
		return err
	}
	runner, err := p.deps.Engine.Create(typ)
	if err != nil {
		return spider.Wrap(spider.ErrLoad, name, fmt.Errorf("create engine: %w", err))
	}

	h := registry.NewHandle(name, runner)
	h.OnComplete(p.completed)
	if err := p.deps.Registry.Add(h); err != nil {
		return err
	}

	// running must be stored before the run can complete, otherwise a run
	// that ends at once has its terminal status overwritten.
	msg := fmt.Sprintf("running spider %s", name)
	if err := p.persist(ctx, transition, name, spider.StatusRunning, msg); err != nil {
		p.deps.Registry.Remove(h)
		return err
	}
	p.deps.Metrics.SetRunning(p.deps.Registry.Len())
	if err := h.Start(context.WithoutCancel(ctx)); err != nil {
		p.deps.Registry.Remove(h)
		p.deps.Metrics.SetRunning(p.deps.Registry.Len())
		return fmt.Errorf("bootstrap spider %s: %w", name, err)
	}
	p.logger.Info(msg, zap.String("spider", name))
	return nil
}

// completed is the completion handler of every run started by launch.
func (p *Performer) completed(h *registry.Handle, c spider.Completion) {
	name := h.Name()
	p.deps.Registry.Remove(h)
	p.deps.Metrics.SetRunning(p.deps.Registry.Len())

	status, comment := terminalStatus(name, c)
	fields := []zap.Field{
		zap.String("spider", name),
		zap.String("outcome", string(c.Outcome)),
		zap.Int64("records", c.Stats.Records),
	}
	if status == spider.StatusError {
		p.logger.Error(comment, fields...)
	} else {
		p.logger.Info(comment, fields...)
	}

	ctx := context.Background()
	if err := p.deps.Store.SetStatus(ctx, name, status, comment); err != nil {
		p.logger.Error("persist completion status", zap.String("spider", name), zap.Error(err))
		return
	}
	p.publish(ctx, TopicCompleted, Event{Spider: name, Status: status, Comment: comment, At: p.deps.Clock.Now()})
}

func terminalStatus(name string, c spider.Completion) (spider.Status, string) {
	switch c.Outcome {
	case spider.OutcomeError:
		detail := c.Detail
		if detail == "" && c.Err != nil {
			detail = c.Err.Error()
		}
		return spider.StatusError, fmt.Sprintf("error occurred while running spider %s: %s", name, detail)
	case spider.OutcomeTerminated:
		return spider.StatusTerminated, fmt.Sprintf("spider %s has been terminated", name)
	default:
		return spider.StatusFinished, fmt.Sprintf("finished crawling spider %s", name)
	}
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, error) {}
func (nopObserver) SetRunning(int)                  {}
