package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/registry"
	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// checkRunning returns the handle of name if it is registered and neither
// finished nor terminating.
func checkRunning(reg *registry.Registry, name string) (*registry.Handle, error) {
	h, ok := reg.Get(name)
	if !ok {
		return nil, spider.Errorf(spider.ErrNotRunning, name, "spider %s is not found in running spiders", name)
	}
	if h.Terminating() || !h.Running() {
		return nil, spider.Errorf(spider.ErrNotRunning, name, "spider %s is terminating", name)
	}
	return h, nil
}

func checkIdle(reg *registry.Registry, name string) error {
	if reg.Has(name) {
		return spider.Errorf(spider.ErrAlreadyExists, name, "spider %s is running", name)
	}
	return nil
}

type startWorker struct{ p *Performer }

func (w startWorker) Check(_ context.Context, name string) error {
	if w.p.deps.Loader.IsLoaded(name) || w.p.deps.Registry.Has(name) {
		return spider.Errorf(spider.ErrAlreadyExists, name, "spider %s is already loaded or running", name)
	}
	return nil
}

func (w startWorker) Change(ctx context.Context, name string) error {
	return w.p.launch(ctx, spider.StatusStart, name)
}

type terminateWorker struct{ p *Performer }

func (w terminateWorker) Check(_ context.Context, name string) error {
	_, err := checkRunning(w.p.deps.Registry, name)
	return err
}

// Change requests the stop and waits for the run's completion handler,
// which persists the terminated status.
func (w terminateWorker) Change(ctx context.Context, name string) error {
	h, err := checkRunning(w.p.deps.Registry, name)
	if err != nil {
		return err
	}
	h.Stop()
	select {
	case <-h.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for spider %s to stop: %w", name, ctx.Err())
	}
	w.p.logger.Info("spider has been terminated", zap.String("spider", name))
	return nil
}

type pauseWorker struct{ p *Performer }

func (w pauseWorker) Check(_ context.Context, name string) error {
	h, err := checkRunning(w.p.deps.Registry, name)
	if err != nil {
		return err
	}
	if h.Runner().Paused() {
		return spider.Errorf(spider.ErrAlreadyPaused, name, "spider %s is paused", name)
	}
	return nil
}

func (w pauseWorker) Change(ctx context.Context, name string) error {
	h, err := checkRunning(w.p.deps.Registry, name)
	if err != nil {
		return err
	}
	h.Runner().Pause()
	msg := fmt.Sprintf("spider %s has been paused", name)
	w.p.logger.Info(msg, zap.String("spider", name))
	return w.p.persist(ctx, spider.StatusPause, name, spider.StatusPaused, msg)
}

type resumeWorker struct{ p *Performer }

func (w resumeWorker) Check(_ context.Context, name string) error {
	h, err := checkRunning(w.p.deps.Registry, name)
	if err != nil {
		return err
	}
	if !h.Runner().Paused() {
		return spider.Errorf(spider.ErrNotPaused, name, "spider %s is not paused", name)
	}
	return nil
}

func (w resumeWorker) Change(ctx context.Context, name string) error {
	h, err := checkRunning(w.p.deps.Registry, name)
	if err != nil {
		return err
	}
	h.Runner().Resume()
	msg := fmt.Sprintf("spider %s has been resumed", name)
	w.p.logger.Info(msg, zap.String("spider", name))
	return w.p.persist(ctx, spider.StatusResume, name, spider.StatusRunning, msg)
}

type restartWorker struct{ p *Performer }

func (w restartWorker) Check(_ context.Context, name string) error {
	return checkIdle(w.p.deps.Registry, name)
}

func (w restartWorker) Change(ctx context.Context, name string) error {
	if err := w.p.purge(ctx, name); err != nil {
		return err
	}
	w.p.logger.Info("spider is restarting", zap.String("spider", name))
	return w.p.launch(ctx, spider.StatusRestart, name)
}

type deleteWorker struct{ p *Performer }

func (w deleteWorker) Check(_ context.Context, name string) error {
	return checkIdle(w.p.deps.Registry, name)
}

func (w deleteWorker) Change(ctx context.Context, name string) error {
	w.p.deps.Loader.Forget(name)
	if err := w.p.purge(ctx, name); err != nil {
		return err
	}
	msg := fmt.Sprintf("spider %s has been deleted", name)
	w.p.logger.Info(msg, zap.String("spider", name))
	return w.p.persist(ctx, spider.StatusDelete, name, spider.StatusDeleted, msg)
}

// purge removes every artifact of a previous run: logs, archived pages and
// output records.
func (p *Performer) purge(ctx context.Context, name string) error {
	if p.deps.Purger != nil {
		if err := p.deps.Purger.Purge(ctx, name); err != nil {
			return fmt.Errorf("purge spider %s: %w", name, err)
		}
	}
	n, err := p.deps.Store.DeleteRecords(ctx, name)
	if err != nil {
		return fmt.Errorf("delete records of %s: %w", name, err)
	}
	p.logger.Info("deleted spider records", zap.String("spider", name), zap.Int64("records", n))
	return nil
}
