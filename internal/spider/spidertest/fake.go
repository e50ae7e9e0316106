// Package spidertest provides controllable engine fakes for tests.
package spidertest

import (
	"context"
	"sync"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// Runner is a spider.Runner whose run ends only when the test says so.
type Runner struct {
	// RunErr makes Run fail as if the engine could not bootstrap.
	RunErr error
	// InjectErr makes Inject fail.
	InjectErr error
	// FinishOnStop ends the run as terminated when Stop is called.
	FinishOnStop bool
	// CompleteOnRun, when set, is delivered by Run before it returns.
	CompleteOnRun *spider.Completion

	mu          sync.Mutex
	ch          chan spider.Completion
	finished    bool
	stops       int
	paused      bool
	idle        bool
	injected    []spider.Request
	concurrency int
}

// NewRunner returns a runner reporting the given concurrency.
func NewRunner(concurrency int) *Runner {
	return &Runner{concurrency: concurrency, FinishOnStop: true}
}

// Run implements spider.Runner.
func (r *Runner) Run(context.Context) (<-chan spider.Completion, error) {
	if r.RunErr != nil {
		return nil, r.RunErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = make(chan spider.Completion, 1)
	ch := r.ch
	if r.CompleteOnRun != nil {
		r.finishLocked(*r.CompleteOnRun)
	}
	return ch, nil
}

// Finish ends the run with c. Later calls are ignored.
func (r *Runner) Finish(c spider.Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(c)
}

func (r *Runner) finishLocked(c spider.Completion) {
	if r.finished || r.ch == nil {
		return
	}
	r.finished = true
	r.ch <- c
	close(r.ch)
}

// Stop implements spider.Runner.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if r.FinishOnStop {
		r.finishLocked(spider.Completion{Outcome: spider.OutcomeTerminated})
	}
}

// Stops returns how many times Stop was called.
func (r *Runner) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// Pause implements spider.Runner.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume implements spider.Runner.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// Paused implements spider.Runner.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// SetIdle controls what IsIdle reports.
func (r *Runner) SetIdle(idle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idle = idle
}

// IsIdle implements spider.Runner.
func (r *Runner) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

// Inject implements spider.Runner.
func (r *Runner) Inject(reqs ...spider.Request) error {
	if r.InjectErr != nil {
		return r.InjectErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injected = append(r.injected, reqs...)
	return nil
}

// Injected returns every request passed to Inject.
func (r *Runner) Injected() []spider.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]spider.Request(nil), r.injected...)
}

// Concurrency implements spider.Runner.
func (r *Runner) Concurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrency
}

// SetConcurrency implements spider.Runner.
func (r *Runner) SetConcurrency(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrency = n
}

// Engine is a spider.Engine that hands out Runners and remembers the job
// types it was asked to run.
type Engine struct {
	// CreateErr makes Create fail.
	CreateErr error
	// RunErr is copied into every created runner.
	RunErr error
	// CompleteOnRun is copied into every created runner.
	CompleteOnRun *spider.Completion

	mu      sync.Mutex
	types   []spider.JobType
	runners map[string]*Runner
}

// NewEngine returns an empty fake engine.
func NewEngine() *Engine {
	return &Engine{runners: make(map[string]*Runner)}
}

// Create implements spider.Engine.
func (e *Engine) Create(t spider.JobType) (spider.Runner, error) {
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	r := NewRunner(t.Settings().Concurrency)
	r.RunErr = e.RunErr
	r.CompleteOnRun = e.CompleteOnRun
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, t)
	e.runners[t.Name()] = r
	return r, nil
}

// Runner returns the most recent runner created for name.
func (e *Engine) Runner(name string) *Runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[name]
}

// Types returns every job type passed to Create.
func (e *Engine) Types() []spider.JobType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]spider.JobType(nil), e.types...)
}
