// Package orchestrator runs the periodic control loops: the status loop that
// performs operator-requested transitions, the update loop that feeds the
// update coordinator and the rate loop that reconciles concurrency.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/lifecycle"
	"github.com/JakeFAU/spiderfleet/internal/rate"
	"github.com/JakeFAU/spiderfleet/internal/registry"
	"github.com/JakeFAU/spiderfleet/internal/updater"
)

// Config tunes the loops.
type Config struct {
	Interval time.Duration
	// MaxUpdateRecords stops the update loop from re-reading the pending
	// set while an update job holds at least this many records.
	MaxUpdateRecords int
}

// PendingStore reads the pending-update set and live statuses, and is
// closed on Stop.
type PendingStore interface {
	lifecycle.StatusQuerier
	PendingUpdates(ctx context.Context) ([]string, error)
	Close() error
}

// CoordinatorFactory builds a fresh update coordinator.
type CoordinatorFactory func() (*updater.Coordinator, error)

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store          PendingStore
	Finder         *lifecycle.Finder
	Performer      *lifecycle.Performer
	Rate           *rate.Controller
	NewCoordinator CoordinatorFactory
	Registry       *registry.Registry
	// Drain, when set, runs after running spiders have stopped and before
	// the store is closed, e.g. to flush buffered progress events.
	Drain  func(ctx context.Context) error
	Logger *zap.Logger
}

// Orchestrator owns the shared timer and the three loops.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	statusBusy atomic.Bool
	updateBusy atomic.Bool
	rateBusy   atomic.Bool
	loops      sync.WaitGroup

	mu           sync.Mutex
	coordinator  *updater.Coordinator
	pending      []string
	pendingCount int

	stopOnce sync.Once
	stopErr  error
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil, deps.Finder == nil, deps.Performer == nil,
		deps.Rate == nil, deps.NewCoordinator == nil, deps.Registry == nil:
		return nil, errors.New("orchestrator requires a store, finder, performer, rate controller, coordinator factory and registry")
	case cfg.Interval <= 0:
		return nil, errors.New("orchestrator interval must be > 0")
	}
	if cfg.MaxUpdateRecords <= 0 {
		cfg.MaxUpdateRecords = 50
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger.Named("orchestrator")}, nil
}

// Run fires the three loops on every tick until ctx is done, then stops all
// running spiders. A slow loop never delays the others; a loop still busy
// from a previous tick is skipped.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.logger.Info("orchestrator started", zap.Duration("interval", o.cfg.Interval))
	if n, err := o.Reconcile(ctx); err != nil {
		o.logger.Error("reconcile persisted statuses", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("reconciled lost runs", zap.Int("count", n))
	}
	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.loops.Wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return o.Stop(stopCtx)
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// Reconcile rewrites spiders persisted as running or paused without a live
// handle to error. Run calls it before the first tick.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	defs, err := lifecycle.NewFinder(o.deps.Store, lifecycle.LiveStatuses).Find(ctx)
	if err != nil {
		return 0, err
	}
	return o.deps.Performer.Reconcile(ctx, defs)
}

func (o *Orchestrator) tick(ctx context.Context) {
	o.spawn(ctx, "status", o.RunStatusLoop)
	o.spawn(ctx, "update", o.RunUpdateLoop)
	o.spawn(ctx, "rate", o.RunRateLoop)
}

func (o *Orchestrator) spawn(ctx context.Context, name string, loop func(context.Context) (bool, error)) {
	o.loops.Add(1)
	go func() {
		defer o.loops.Done()
		ran, err := loop(ctx)
		if err != nil {
			o.logger.Error("loop failed", zap.String("loop", name), zap.Error(err))
			return
		}
		if !ran {
			o.logger.Debug("loop still busy, skipped", zap.String("loop", name))
		}
	}()
}

// RunStatusLoop finds spiders with a pending transition request and hands
// them to the performer. It reports false if a previous run is still busy.
func (o *Orchestrator) RunStatusLoop(ctx context.Context) (bool, error) {
	if !o.statusBusy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer o.statusBusy.Store(false)

	defs, err := o.deps.Finder.Find(ctx)
	if err != nil {
		return true, err
	}
	if n := o.deps.Performer.Perform(ctx, defs); n > 0 {
		o.logger.Debug("dispatched transitions", zap.Int("count", n))
	}
	return true, nil
}

// RunUpdateLoop reads the pending-update set, creates a coordinator when
// there is work and passes the set to it.
func (o *Orchestrator) RunUpdateLoop(ctx context.Context) (bool, error) {
	if !o.updateBusy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer o.updateBusy.Store(false)

	o.mu.Lock()
	coord := o.coordinator
	if coord != nil {
		select {
		case <-coord.Done():
			coord = nil
			o.coordinator = nil
			o.pendingCount = 0
		default:
		}
	}
	throttled := coord != nil && o.pendingCount >= o.cfg.MaxUpdateRecords
	o.mu.Unlock()

	if !throttled {
		pending, err := o.deps.Store.PendingUpdates(ctx)
		if err != nil {
			return true, fmt.Errorf("read pending updates: %w", err)
		}
		if len(pending) == 0 {
			return true, nil
		}
		o.mu.Lock()
		o.pending = pending
		o.pendingCount = len(pending)
		o.mu.Unlock()

		if coord == nil {
			o.logger.Info("create update coordinator", zap.Int("pending", len(pending)))
			c, err := o.deps.NewCoordinator()
			if err != nil {
				return true, fmt.Errorf("create update coordinator: %w", err)
			}
			ok, err := c.Initial(ctx)
			if err != nil {
				return true, err
			}
			if !ok {
				return true, nil
			}
			coord = c
			o.mu.Lock()
			o.coordinator = c
			o.mu.Unlock()
		}
	}

	o.mu.Lock()
	pending := append([]string(nil), o.pending...)
	o.mu.Unlock()
	if err := coord.Update(ctx, pending); err != nil {
		return true, fmt.Errorf("update records: %w", err)
	}
	return true, nil
}

// RunRateLoop reconciles live concurrency with persisted rates.
func (o *Orchestrator) RunRateLoop(ctx context.Context) (bool, error) {
	if !o.rateBusy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer o.rateBusy.Store(false)

	_, err := o.deps.Rate.ChangeRate(ctx)
	return true, err
}

// Coordinator returns the live update coordinator, if any.
func (o *Orchestrator) Coordinator() *updater.Coordinator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.coordinator
}

// Stop asks every running spider to stop, waits for their completion
// handlers and in-flight transitions, drains, then closes the store. Only the first
// call does any work.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		handles := o.deps.Registry.Handles()
		for _, h := range handles {
			h.Stop()
		}
		var errs []error
		for _, h := range handles {
			select {
			case <-h.Done():
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("spider %s did not stop: %w", h.Name(), ctx.Err()))
			}
		}
		o.deps.Performer.Wait()
		if o.deps.Drain != nil {
			if err := o.deps.Drain(ctx); err != nil {
				errs = append(errs, fmt.Errorf("drain: %w", err))
			}
		}
		if err := o.deps.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		o.logger.Info("orchestrator stopped", zap.Int("stopped", len(handles)))
		o.stopErr = errors.Join(errs...)
	})
	return o.stopErr
}
