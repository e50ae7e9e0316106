// Package rate pushes the persisted concurrency of running spiders into
// their live engines.
package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/registry"
)

// Store returns the desired rate of each named spider that is running.
type Store interface {
	Rates(ctx context.Context, names []string) (map[string]int, error)
}

// Observer is told whether each rate change was applied or rejected.
type Observer interface {
	ObserveRateChange(applied bool)
}

// Bounds is the accepted concurrency band, inclusive.
type Bounds struct {
	Min int
	Max int
}

// Validate checks the band is usable.
func (b Bounds) Validate() error {
	if b.Min < 1 || b.Max < b.Min {
		return fmt.Errorf("invalid rate bounds [%d,%d]", b.Min, b.Max)
	}
	return nil
}

// Contains reports whether rate lies within the band.
func (b Bounds) Contains(rate int) bool {
	return rate >= b.Min && rate <= b.Max
}

// Controller reconciles live concurrency with persisted rates.
type Controller struct {
	store    Store
	registry *registry.Registry
	observer Observer
	logger   *zap.Logger

	mu     sync.RWMutex
	bounds Bounds
}

// New constructs a Controller. observer may be nil.
func New(store Store, reg *registry.Registry, bounds Bounds, observer Observer, logger *zap.Logger) (*Controller, error) {
	if store == nil || reg == nil {
		return nil, errors.New("rate controller requires a store and a registry")
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:    store,
		registry: reg,
		observer: observer,
		logger:   logger.Named("rate"),
		bounds:   bounds,
	}, nil
}

// SetBounds replaces the accepted band, e.g. after a config reload.
func (c *Controller) SetBounds(b Bounds) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.bounds = b
	c.mu.Unlock()
	c.logger.Info("rate bounds changed", zap.Int("min", b.Min), zap.Int("max", b.Max))
	return nil
}

// Bounds returns the current band.
func (c *Controller) Bounds() Bounds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bounds
}

// ChangeRate reads the persisted rate of every registered spider and applies
// it where it differs from the live concurrency. Out-of-band values are
// logged and left unapplied. It returns how many spiders changed.
func (c *Controller) ChangeRate(ctx context.Context) (int, error) {
	names := c.registry.Names()
	if len(names) == 0 {
		return 0, nil
	}
	rates, err := c.store.Rates(ctx, names)
	if err != nil {
		return 0, fmt.Errorf("read spider rates: %w", err)
	}
	bounds := c.Bounds()
	changed := 0
	for _, name := range names {
		rate, ok := rates[name]
		if !ok {
			continue
		}
		if !bounds.Contains(rate) {
			c.logger.Error("cannot change spider concurrency outside the allowed band",
				zap.String("spider", name),
				zap.Int("rate", rate),
				zap.Int("min", bounds.Min),
				zap.Int("max", bounds.Max),
			)
			c.observe(false)
			continue
		}
		h, ok := c.registry.Get(name)
		if !ok {
			continue
		}
		runner := h.Runner()
		if runner.Concurrency() == rate {
			continue
		}
		runner.SetConcurrency(rate)
		changed++
		c.observe(true)
		c.logger.Info("changed spider concurrency", zap.String("spider", name), zap.Int("rate", rate))
	}
	return changed, nil
}

func (c *Controller) observe(applied bool) {
	if c.observer != nil {
		c.observer.ObserveRateChange(applied)
	}
}
