package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/hash/sha256"
	"github.com/JakeFAU/spiderfleet/internal/policy/ratelimit"
	"github.com/JakeFAU/spiderfleet/internal/progress"
	"github.com/JakeFAU/spiderfleet/internal/spider"
)

type runState int

const (
	stateCreated runState = iota
	stateRunning
	stateDone
)

// Handle is one run of a JobType. It implements spider.Runner.
type Handle struct {
	eng      *Engine
	typ      spider.JobType
	settings spider.Settings
	ua       string
	maxDepth int
	logger   *zap.Logger
	closeLog func()
	runID    uuid.UUID

	global  *slots
	hosts   *hostSlots
	limiter *ratelimit.Limiter

	mu        sync.Mutex
	changed   chan struct{}
	queue     []spider.Request
	seen      map[string]struct{}
	inflight  int
	paused    bool
	stopping  bool
	state     runState
	cancel    context.CancelFunc
	stats     spider.Stats
	startedAt time.Time
	wg        sync.WaitGroup
}

var _ spider.Runner = (*Handle)(nil)

func newHandle(e *Engine, t spider.JobType) (*Handle, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("engine: run id: %w", err)
	}
	settings := t.Settings()
	concurrency := settings.Concurrency
	if concurrency <= 0 {
		concurrency = e.cfg.Concurrency
	}
	perHost := e.cfg.PerHostConcurrency
	if perHost <= 0 || perHost > concurrency {
		perHost = concurrency
	}
	delay := settings.DownloadDelay
	if delay <= 0 {
		delay = e.cfg.DownloadDelay
	}
	maxDepth := settings.MaxDepth
	if maxDepth <= 0 {
		maxDepth = e.cfg.MaxDepth
	}
	ua := settings.UserAgent
	if ua == "" {
		ua = e.cfg.UserAgent
	}

	logger := e.deps.Logger.With(zap.String("spider", t.Name()))
	closeLog := func() {}
	if e.deps.Logs != nil {
		spiderLogger, closeFn, err := e.deps.Logs(t.Name())
		if err != nil {
			logger.Warn("per-spider log unavailable", zap.Error(err))
		} else {
			logger, closeLog = spiderLogger, closeFn
		}
	}

	h := &Handle{
		eng:      e,
		typ:      t,
		settings: settings,
		ua:       ua,
		maxDepth: maxDepth,
		logger:   logger.With(zap.String("run_id", runID.String())),
		closeLog: closeLog,
		runID:    runID,
		global:   newSlots(concurrency),
		hosts:    newHostSlots(perHost),
		limiter:  ratelimit.New(ratelimit.Config{Delay: delay}),
		changed:  make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
	for _, req := range t.StartRequests() {
		h.enqueueLocked(req, t.Name())
	}
	return h, nil
}

// Run starts the scheduler. The channel yields exactly one Completion.
func (h *Handle) Run(ctx context.Context) (<-chan spider.Completion, error) {
	h.mu.Lock()
	if h.state != stateCreated {
		h.mu.Unlock()
		return nil, spider.Errorf(spider.ErrAlreadyExists, h.typ.Name(), "engine run already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.state = stateRunning
	h.cancel = cancel
	h.startedAt = h.eng.deps.Clock.Now()
	queued := len(h.queue)
	h.mu.Unlock()

	h.emit(progress.Event{Stage: progress.StageRunStart})
	h.logger.Info("engine run started",
		zap.Int("queued", queued),
		zap.Int("concurrency", h.global.size()),
		zap.Duration("download_delay", h.limiter.Delay()),
	)

	done := make(chan spider.Completion, 1)
	go h.loop(runCtx, done)
	return done, nil
}

func (h *Handle) loop(ctx context.Context, done chan<- spider.Completion) {
	defer close(done)
	for {
		if err := h.global.acquire(ctx); err != nil {
			break
		}
		req, ok := h.next(ctx)
		if !ok {
			h.global.release()
			break
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.global.release()
			h.process(ctx, req)
		}()
	}
	h.wg.Wait()
	done <- h.finish(ctx)
}

// next pops the next request, blocking while paused or while in-flight
// work may still enqueue more. It reports false once the run should end.
func (h *Handle) next(ctx context.Context) (spider.Request, bool) {
	for {
		h.mu.Lock()
		if h.stopping || ctx.Err() != nil {
			h.mu.Unlock()
			return spider.Request{}, false
		}
		if !h.paused {
			if len(h.queue) > 0 {
				req := h.queue[0]
				h.queue = h.queue[1:]
				h.inflight++
				h.mu.Unlock()
				return req, true
			}
			if h.inflight == 0 {
				h.mu.Unlock()
				return spider.Request{}, false
			}
		}
		ch := h.changed
		h.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
}

func (h *Handle) finish(ctx context.Context) spider.Completion {
	now := h.eng.deps.Clock.Now()
	h.mu.Lock()
	h.state = stateDone
	stopping := h.stopping
	stats := h.stats
	stats.StartedAt = h.startedAt
	h.mu.Unlock()

	stats.UpdatedAt = now
	elapsed := now.Sub(stats.StartedAt)
	if elapsed > 0 {
		stats.RecordsPerMinute = float64(stats.Records) / elapsed.Minutes()
	}

	c := spider.Completion{Stats: stats}
	stage := progress.StageRunDone
	switch {
	case stopping || ctx.Err() != nil:
		c.Outcome = spider.OutcomeTerminated
		c.Detail = "run stopped"
		stage = progress.StageRunTerminated
	case stats.Requests > 0 && stats.Failures == stats.Requests:
		c.Outcome = spider.OutcomeError
		c.Detail = fmt.Sprintf("all %d requests failed", stats.Requests)
		c.Err = errors.New(c.Detail)
		stage = progress.StageRunError
	default:
		c.Outcome = spider.OutcomeSuccess
		c.Detail = fmt.Sprintf("%d records from %d requests", stats.Records, stats.Requests)
	}
	h.emit(progress.Event{Stage: stage, Dur: elapsed, Note: c.Detail})
	h.logger.Info("engine run finished",
		zap.String("outcome", string(c.Outcome)),
		zap.String("detail", c.Detail),
		zap.Int64("records", stats.Records),
		zap.Int64("requests", stats.Requests),
		zap.Int64("failures", stats.Failures),
		zap.Duration("elapsed", elapsed),
	)
	h.cancel()
	h.closeLog()
	return c
}

// Stop asks the run to end. In-flight fetches are cancelled.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateDone || h.stopping {
		return
	}
	h.stopping = true
	h.signalLocked()
	if h.cancel != nil {
		h.cancel()
	}
}

// Pause holds scheduling; requests already in flight complete.
func (h *Handle) Pause() {
	h.mu.Lock()
	h.paused = true
	h.signalLocked()
	h.mu.Unlock()
}

// Resume continues scheduling after Pause.
func (h *Handle) Resume() {
	h.mu.Lock()
	h.paused = false
	h.signalLocked()
	h.mu.Unlock()
}

// Paused reports whether scheduling is held.
func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// IsIdle reports whether nothing is queued or in flight.
func (h *Handle) IsIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue) == 0 && h.inflight == 0
}

// Inject adds requests to a live run. Requests without an owning spider
// are attributed to the handle's job type.
func (h *Handle) Inject(reqs ...spider.Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateDone || h.stopping {
		return spider.Errorf(spider.ErrNotRunning, h.typ.Name(), "engine is not accepting requests")
	}
	added := 0
	for _, req := range reqs {
		if h.enqueueLocked(req, h.typ.Name()) {
			added++
		}
	}
	h.signalLocked()
	h.logger.Debug("requests injected", zap.Int("offered", len(reqs)), zap.Int("queued", added))
	return nil
}

// Concurrency returns the total downloader concurrency.
func (h *Handle) Concurrency() int {
	return h.global.size()
}

// SetConcurrency resizes the total and every per-host slot.
func (h *Handle) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	h.global.resize(n)
	h.hosts.resize(n)
	h.logger.Info("concurrency changed", zap.Int("concurrency", n))
}

// HostConcurrency returns the current per-host slot sizes.
func (h *Handle) HostConcurrency() map[string]int {
	return h.hosts.sizes()
}

// Stats returns a snapshot of the run's counters.
func (h *Handle) Stats() spider.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.StartedAt = h.startedAt
	return s
}

func (h *Handle) enqueueLocked(req spider.Request, owner string) bool {
	if req.URL == "" {
		return false
	}
	if req.Spider == "" {
		req.Spider = owner
	}
	if req.Callback == "" {
		req.Callback = spider.CallbackParse
	}
	if h.maxDepth > 0 && req.Depth > h.maxDepth {
		return false
	}
	if !h.allowed(req.URL) {
		return false
	}
	if !req.DontFilter {
		fp := sha256.Fingerprint(req.URL, string(req.Callback), req.Spider)
		if _, dup := h.seen[fp]; dup {
			return false
		}
		h.seen[fp] = struct{}{}
	}
	h.queue = append(h.queue, req)
	return true
}

func (h *Handle) allowed(rawURL string) bool {
	if len(h.settings.AllowedDomains) == 0 {
		return true
	}
	host := ratelimit.Host(rawURL)
	for _, d := range h.settings.AllowedDomains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (h *Handle) signalLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Handle) isStopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *Handle) emit(evt progress.Event) {
	evt.RunID = h.runID
	evt.Spider = h.typ.Name()
	evt.TS = h.eng.deps.Clock.Now()
	h.eng.deps.Progress.Emit(evt)
}
