package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// LiveStatuses are the persisted states that claim a run is in progress.
var LiveStatuses = []spider.Status{spider.StatusRunning, spider.StatusPaused}

// Reconcile marks every definition in defs that claims a live run but has
// no handle in the registry as failed. It is meant for startup, when handles
// from a previous process are gone. It returns how many were rewritten.
func (p *Performer) Reconcile(ctx context.Context, defs []spider.Definition) (int, error) {
	fixed := 0
	for _, def := range defs {
		if def.Status != spider.StatusRunning && def.Status != spider.StatusPaused {
			continue
		}
		if p.deps.Registry.Has(def.Name) || !p.guard.TryAcquire(def.Name) {
			continue
		}
		lost := spider.Errorf(spider.ErrDataConsistency, def.Name,
			"spider was %s when the process restarted, run lost", def.Status)
		p.logger.Warn("reconcile lost run", zap.String("spider", def.Name), zap.String("status", string(def.Status)))
		err := p.persist(ctx, "", def.Name, spider.StatusError, lost.Error())
		p.guard.Release(def.Name)
		if err != nil {
			return fixed, fmt.Errorf("reconcile spider %s: %w", def.Name, err)
		}
		fixed++
	}
	return fixed, nil
}
