package registry

import (
	"context"
	"sync"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// CompletionFunc is invoked once when a handle's run ends.
type CompletionFunc func(h *Handle, c spider.Completion)

// Handle is the in-memory record of one executing spider run.
type Handle struct {
	name   string
	runner spider.Runner

	mu          sync.Mutex
	started     bool
	running     bool
	terminating bool
	callbacks   []CompletionFunc
	completion  spider.Completion
	done        chan struct{}
}

// NewHandle wraps runner for the spider called name.
func NewHandle(name string, runner spider.Runner) *Handle {
	return &Handle{name: name, runner: runner, done: make(chan struct{})}
}

// Name returns the spider name.
func (h *Handle) Name() string { return h.name }

// Runner returns the engine instance behind the handle.
func (h *Handle) Runner() spider.Runner { return h.runner }

// OnComplete appends fn to the completion chain. Callbacks run in the order
// they were added, on the goroutine that observes the run's end.
func (h *Handle) OnComplete(fn CompletionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

// Start launches the run. The completion chain fires exactly once when the
// runner reports its outcome.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return spider.Errorf(spider.ErrAlreadyExists, h.name, "handle already started")
	}
	h.started = true
	h.mu.Unlock()

	ch, err := h.runner.Run(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	go h.wait(ch)
	return nil
}

func (h *Handle) wait(ch <-chan spider.Completion) {
	c, ok := <-ch
	if !ok {
		c = spider.Completion{Outcome: spider.OutcomeError, Detail: "engine closed without completion"}
	}

	h.mu.Lock()
	if h.terminating && c.Outcome != spider.OutcomeError {
		c.Outcome = spider.OutcomeTerminated
	}
	h.running = false
	h.completion = c
	callbacks := append([]CompletionFunc(nil), h.callbacks...)
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(h, c)
	}
	close(h.done)
}

// Stop asks the run to halt. The run decides when it has actually stopped;
// wait on Done to observe it.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.running {
		h.terminating = true
	}
	h.mu.Unlock()
	h.runner.Stop()
}

// Running reports whether the run is in progress.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Terminating reports whether Stop was requested while running.
func (h *Handle) Terminating() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminating
}

// Done is closed after the completion chain has run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Completion returns the final outcome. Only meaningful after Done is closed.
func (h *Handle) Completion() spider.Completion {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completion
}
