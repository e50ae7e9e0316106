package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/loader"
	pubmem "github.com/JakeFAU/spiderfleet/internal/publisher/memory"
	"github.com/JakeFAU/spiderfleet/internal/registry"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/spider/spidertest"
	"github.com/JakeFAU/spiderfleet/internal/storage"
	blobmem "github.com/JakeFAU/spiderfleet/internal/storage/memory"
	"github.com/JakeFAU/spiderfleet/internal/store/memory"
	"github.com/JakeFAU/spiderfleet/internal/telemetry"
)

func module(name string) string {
	return "spiders:\n  - name: " + name + "\n    start_urls: [\"https://" + name + ".example/\"]\n    settings: {concurrency: 3}\n    parse_record: {name: h1}\n"
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	running     int
}

func (o *recordingObserver) ObserveTransition(transition string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.transitions = append(o.transitions, transition+"/"+result)
}

func (o *recordingObserver) SetRunning(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = n
}

func (o *recordingObserver) snapshot() ([]string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...), o.running
}

type fixture struct {
	store    *memory.Store
	engine   *spidertest.Engine
	loader   *loader.Loader
	registry *registry.Registry
	pub      *pubmem.Publisher
	blobs    *blobmem.BlobStore
	observer *recordingObserver
	perf     *Performer
}

func newFixture(t *testing.T, defs ...spider.Definition) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		store:    memory.New(clk),
		engine:   spidertest.NewEngine(),
		registry: registry.New(),
		pub:      pubmem.New(),
		blobs:    blobmem.NewBlobStore(),
		observer: &recordingObserver{},
	}
	for _, def := range defs {
		require.NoError(t, f.store.PutDefinition(context.Background(), def))
	}
	f.loader = loader.New(f.store, nil, zap.NewNop())
	perf, err := New(Deps{
		Store:     f.store,
		Loader:    f.loader,
		Engine:    f.engine,
		Registry:  f.registry,
		Purger:    storage.NewPurger(f.blobs, "pages", "", nil),
		Publisher: f.pub,
		Metrics:   f.observer,
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	f.perf = perf
	return f
}

func (f *fixture) status(t *testing.T, name string) (spider.Status, string) {
	t.Helper()
	def, ok := f.store.Definition(name)
	require.True(t, ok)
	return def.Status, def.Comment
}

func def(name string, status spider.Status) spider.Definition {
	return spider.Definition{Name: name, SourceCode: module(name), Status: status}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	require.Error(t, err)
}

func TestStartRegistersAndPersistsRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	require.NoError(t, f.perf.Dispatch(context.Background(), spider.StatusStart, "films"))

	assert.True(t, f.registry.Has("films"))
	assert.True(t, f.loader.IsLoaded("films"))
	status, comment := f.status(t, "films")
	assert.Equal(t, spider.StatusRunning, status)
	assert.Equal(t, "running spider films", comment)

	types := f.engine.Types()
	require.Len(t, types, 1)
	assert.Equal(t, "films", types[0].Name())

	transitions, running := f.observer.snapshot()
	assert.Equal(t, []string{"start/ok"}, transitions)
	assert.Equal(t, 1, running)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TopicTransition, msgs[0].Topic)
	evt, ok := msgs[0].Payload.(Event)
	require.True(t, ok)
	assert.Equal(t, spider.StatusRunning, evt.Status)
	assert.Equal(t, spider.StatusStart, evt.Transition)
}

func TestStartThenTerminateRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusTerminate, "films"))

	assert.False(t, f.registry.Has("films"))
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusTerminated, status)
	assert.Equal(t, 1, f.engine.Runner("films").Stops())
	_, running := f.observer.snapshot()
	assert.Zero(t, running)
}

func TestCompletionOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		completion spider.Completion
		status     spider.Status
		comment    string
	}{
		{spider.Completion{Outcome: spider.OutcomeSuccess}, spider.StatusFinished, "finished crawling spider films"},
		{spider.Completion{Outcome: spider.OutcomeError, Detail: "all 3 requests failed"}, spider.StatusError, "all 3 requests failed"},
		{spider.Completion{Outcome: spider.OutcomeError, Err: errors.New("dns")}, spider.StatusError, "dns"},
	}
	for _, tc := range cases {
		t.Run(string(tc.status)+tc.comment, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, def("films", spider.StatusStart))
			require.NoError(t, f.perf.Dispatch(context.Background(), spider.StatusStart, "films"))
			h, ok := f.registry.Get("films")
			require.True(t, ok)

			f.engine.Runner("films").Finish(tc.completion)
			<-h.Done()

			assert.False(t, f.registry.Has("films"))
			assert.Zero(t, f.registry.Active())
			status, comment := f.status(t, "films")
			assert.Equal(t, tc.status, status)
			assert.Contains(t, comment, tc.comment)

			msgs := f.pub.Messages()
			assert.Equal(t, TopicCompleted, msgs[len(msgs)-1].Topic)
		})
	}
}

func TestStartRejectedWhenAlreadyLoaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	h, _ := f.registry.Get("films")
	f.engine.Runner("films").Finish(spider.Completion{Outcome: spider.OutcomeSuccess})
	<-h.Done()

	err := f.perf.Dispatch(ctx, spider.StatusStart, "films")
	require.ErrorIs(t, err, spider.ErrAlreadyExists)
	status, comment := f.status(t, "films")
	assert.Equal(t, spider.StatusError, status)
	assert.Contains(t, comment, "already loaded or running")
	assert.Len(t, f.engine.Types(), 1)
}

func TestStartMissingSourceIsConsistencyError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, spider.Definition{Name: "ghost", Status: spider.StatusStart})
	err := f.perf.Dispatch(context.Background(), spider.StatusStart, "ghost")
	require.ErrorIs(t, err, spider.ErrDataConsistency)
	require.ErrorIs(t, err, spider.ErrNotFound)
	status, _ := f.status(t, "ghost")
	assert.Equal(t, spider.StatusError, status)
	assert.False(t, f.registry.Has("ghost"))
}

func TestStartBadModuleIsLoadError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, spider.Definition{Name: "broken", SourceCode: "spiders: [", Status: spider.StatusStart})
	err := f.perf.Dispatch(context.Background(), spider.StatusStart, "broken")
	require.ErrorIs(t, err, spider.ErrLoad)
	status, _ := f.status(t, "broken")
	assert.Equal(t, spider.StatusError, status)
}

func TestStartBootstrapFailurePersistsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	f.engine.RunErr = errors.New("no sockets")

	err := f.perf.Dispatch(context.Background(), spider.StatusStart, "films")
	require.ErrorContains(t, err, "no sockets")
	assert.False(t, f.registry.Has("films"))
	assert.Zero(t, f.registry.Active())
	status, comment := f.status(t, "films")
	assert.Equal(t, spider.StatusError, status)
	assert.Contains(t, comment, "no sockets")
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	runner := f.engine.Runner("films")

	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusPause, "films"))
	assert.True(t, runner.Paused())
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusPaused, status)

	err := f.perf.Dispatch(ctx, spider.StatusPause, "films")
	require.ErrorIs(t, err, spider.ErrAlreadyPaused)
	status, comment := f.status(t, "films")
	assert.Equal(t, spider.StatusPaused, status, "a rejected request leaves a live spider's state intact")
	assert.Contains(t, comment, "rejected pause")

	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusResume, "films"))
	assert.False(t, runner.Paused())
	status, _ = f.status(t, "films")
	assert.Equal(t, spider.StatusRunning, status)

	require.ErrorIs(t, f.perf.Dispatch(ctx, spider.StatusResume, "films"), spider.ErrNotPaused)
}

func TestPauseOnStoppedSpiderDoesNotWriteInCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusPause))
	w, err := f.perf.worker(spider.StatusPause)
	require.NoError(t, err)

	require.ErrorIs(t, w.Check(context.Background(), "films"), spider.ErrNotRunning)
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusPause, status)

	require.ErrorIs(t, f.perf.Dispatch(context.Background(), spider.StatusPause, "films"), spider.ErrNotRunning)
	status, _ = f.status(t, "films")
	assert.Equal(t, spider.StatusError, status)
}

func TestTerminateRejectsTerminatingSpider(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	runner := f.engine.Runner("films")
	runner.FinishOnStop = false

	h, _ := f.registry.Get("films")
	h.Stop()
	err := f.perf.Dispatch(ctx, spider.StatusTerminate, "films")
	require.ErrorIs(t, err, spider.ErrNotRunning)
	require.ErrorContains(t, err, "terminating")
	runner.Finish(spider.Completion{Outcome: spider.OutcomeSuccess})
	<-h.Done()
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusTerminated, status)
}

func TestDeleteRunningSpiderIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	require.NoError(t, f.store.UpsertRecord(ctx, spider.Record{Identity: "r1", Spider: "films", Name: "Heat"}))

	err := f.perf.Dispatch(ctx, spider.StatusDelete, "films")
	require.ErrorIs(t, err, spider.ErrAlreadyExists)
	assert.True(t, f.registry.Has("films"))
	assert.Len(t, f.store.Records(), 1)
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusRunning, status)
}

func TestDeletePurgesAndForgets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	h, _ := f.registry.Get("films")
	f.engine.Runner("films").Finish(spider.Completion{})
	<-h.Done()

	require.NoError(t, f.store.UpsertRecord(ctx, spider.Record{Identity: "r1", Spider: "films", Name: "Heat"}))
	require.NoError(t, f.store.UpsertRecord(ctx, spider.Record{Identity: "r2", Spider: "shows", Name: "Heat"}))
	_, err := f.blobs.PutObject(ctx, storage.PagePath("pages", "films", "abc"), "text/html", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusDelete, "films"))
	assert.False(t, f.loader.IsLoaded("films"))
	assert.Empty(t, f.blobs.Paths())
	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "shows", records[0].Spider)
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusDeleted, status)

	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"), "a deleted spider can be started again")
}

func TestRestartReloadsAndPurges(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	h, _ := f.registry.Get("films")

	require.ErrorIs(t, f.perf.Dispatch(ctx, spider.StatusRestart, "films"), spider.ErrAlreadyExists)

	f.engine.Runner("films").Finish(spider.Completion{Outcome: spider.OutcomeError, Detail: "boom"})
	<-h.Done()
	require.NoError(t, f.store.UpsertRecord(ctx, spider.Record{Identity: "r1", Spider: "films", Name: "Heat"}))

	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusRestart, "films"))
	assert.Equal(t, 2, f.loader.Generation("films"))
	assert.Empty(t, f.store.Records())
	assert.True(t, f.registry.Has("films"))
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusRunning, status)
	assert.Len(t, f.engine.Types(), 2)
}

func TestUnknownTransition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", "explode"))
	err := f.perf.Dispatch(context.Background(), "explode", "films")
	require.ErrorIs(t, err, spider.ErrNotFound)
	status, comment := f.status(t, "films")
	assert.Equal(t, spider.StatusError, status)
	assert.Contains(t, comment, "explode")
}

func TestWorkersAreBuiltOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, err := f.perf.worker(spider.StatusStart)
	require.NoError(t, err)
	b, err := f.perf.worker(spider.StatusStart)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, f.perf.workers, 1)
}

func TestDispatchSkipsGuardedName(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	require.True(t, f.perf.Guard().TryAcquire("films"))

	err := f.perf.Dispatch(context.Background(), spider.StatusStart, "films")
	require.ErrorIs(t, err, ErrInProgress)
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusStart, status, "a busy spider is skipped without a write")

	f.perf.Guard().Release("films")
	require.NoError(t, f.perf.Dispatch(context.Background(), spider.StatusStart, "films"))
	assert.False(t, f.perf.Guard().Has("films"))
}

type blockingStore struct {
	*memory.Store
	entered chan string
	release chan struct{}
}

func (b *blockingStore) SetStatus(ctx context.Context, name string, status spider.Status, comment string) error {
	b.entered <- name
	<-b.release
	return b.Store.SetStatus(ctx, name, status, comment)
}

func TestPerformNeverOverlapsSameSpider(t *testing.T) {
	t.Parallel()

	inner := memory.New(nil)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, inner.PutDefinition(context.Background(), def(name, spider.StatusPause)))
	}
	bs := &blockingStore{Store: inner, entered: make(chan string, 8), release: make(chan struct{})}
	perf, err := New(Deps{
		Store:    bs,
		Loader:   loader.New(inner, nil, nil),
		Engine:   spidertest.NewEngine(),
		Registry: registry.New(),
	})
	require.NoError(t, err)

	entries, err := NewFinder(inner, nil).Find(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, 2, perf.Perform(context.Background(), entries))
	for range 2 {
		select {
		case <-bs.entered:
		case <-time.After(time.Second):
			t.Fatal("transition did not reach the store")
		}
	}
	assert.Equal(t, []string{"a", "b"}, perf.Guard().Names())
	assert.Zero(t, perf.Perform(context.Background(), entries), "guarded spiders are skipped")

	close(bs.release)
	perf.Wait()
	assert.Empty(t, perf.Guard().Names())
	for _, name := range []string{"a", "b"} {
		d, _ := inner.Definition(name)
		assert.Equal(t, spider.StatusError, d.Status)
	}
}

func TestPublisherFailureDoesNotFailTransition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, def("films", spider.StatusStart))
	f.pub.FailWith(errors.New("offline"))
	require.NoError(t, f.perf.Dispatch(context.Background(), spider.StatusStart, "films"))
	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusRunning, status)
}

func TestFinderDefaultsAndErrors(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	ctx := context.Background()
	for i, st := range []spider.Status{spider.StatusStart, spider.StatusRunning, spider.StatusDelete, spider.StatusFinished} {
		require.NoError(t, store.PutDefinition(ctx, def(fmt.Sprintf("s%d", i), st)))
	}
	found, err := NewFinder(store, nil).Find(ctx)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "s0", found[0].Name)
	assert.Empty(t, found[0].SourceCode)

	only, err := NewFinder(store, []spider.Status{spider.StatusDelete}).Find(ctx)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "s2", only[0].Name)

	_, err = NewFinder(failingQuerier{}, nil).Find(ctx)
	require.ErrorContains(t, err, "find spiders by status")
}

type failingQuerier struct{}

func (failingQuerier) FindByStatus(context.Context, ...spider.Status) ([]spider.Definition, error) {
	return nil, errors.New("down")
}

func TestEventAttributes(t *testing.T) {
	t.Parallel()

	evt := Event{Spider: "films", Transition: spider.StatusStart, Status: spider.StatusRunning}
	assert.Equal(t, map[string]string{"spider": "films", "status": "running", "transition": "start"}, evt.Attributes())
	assert.NotContains(t, Event{Spider: "films", Status: spider.StatusFinished}.Attributes(), "transition")
}

func TestStartRunEndingAtOnceKeepsTerminalStatus(t *testing.T) {
	t.Parallel()

	for i := range 50 {
		f := newFixture(t, def("films", spider.StatusStart))
		f.engine.CompleteOnRun = &spider.Completion{Outcome: spider.OutcomeSuccess}

		require.NoError(t, f.perf.Dispatch(context.Background(), spider.StatusStart, "films"), "run %d", i)
		require.Eventually(t, func() bool {
			status, _ := f.status(t, "films")
			return status == spider.StatusFinished && !f.registry.Has("films")
		}, time.Second, time.Millisecond, "run %d", i)

		msgs := f.pub.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, TopicTransition, msgs[0].Topic)
		assert.Equal(t, TopicCompleted, msgs[1].Topic)
		_, running := f.observer.snapshot()
		assert.Zero(t, running)
	}
}

type panickingEngine struct{}

func (panickingEngine) Create(spider.JobType) (spider.Runner, error) { panic("engine exploded") }

func TestPanickingTransitionIsObservedAndPersisted(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	require.NoError(t, store.PutDefinition(context.Background(), def("films", spider.StatusStart)))
	observer := &recordingObserver{}
	perf, err := New(Deps{
		Store:    store,
		Loader:   loader.New(store, nil, nil),
		Engine:   panickingEngine{},
		Registry: registry.New(),
		Metrics:  observer,
	})
	require.NoError(t, err)

	err = perf.Dispatch(context.Background(), spider.StatusStart, "films")
	require.ErrorContains(t, err, "engine exploded")
	assert.False(t, perf.Guard().Has("films"))

	transitions, _ := observer.snapshot()
	assert.Equal(t, []string{"start/error"}, transitions)
	d, _ := store.Definition("films")
	assert.Equal(t, spider.StatusError, d.Status)
	assert.Contains(t, d.Comment, "transition panicked")
}

func TestReconcileMarksLostRunsAsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t,
		def("films", spider.StatusStart),
		def("books", spider.StatusRunning),
		def("songs", spider.StatusPaused),
		def("maps", spider.StatusFinished),
	)
	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))

	defs, err := NewFinder(f.store, LiveStatuses).Find(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 3)

	n, err := f.perf.Reconcile(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status, _ := f.status(t, "films")
	assert.Equal(t, spider.StatusRunning, status, "a live handle is left alone")
	for _, name := range []string{"books", "songs"} {
		status, comment := f.status(t, name)
		assert.Equal(t, spider.StatusError, status)
		assert.Contains(t, comment, spider.ErrDataConsistency.Error())
		assert.Contains(t, comment, "run lost")
	}
	status, _ = f.status(t, "maps")
	assert.Equal(t, spider.StatusFinished, status)
	assert.Empty(t, f.perf.Guard().Names())
}

func TestDispatchRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newFixture(t, def("films", spider.StatusStart))
	f.perf.deps.Tracer = tp.Tracer("lifecycle")

	ctx := context.Background()
	require.NoError(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))
	require.Error(t, f.perf.Dispatch(ctx, spider.StatusStart, "films"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, "lifecycle.dispatch", span.Name())
		assert.Contains(t, span.Attributes(), telemetry.SpiderAttr("films"))
	}
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Status().Description, "already loaded or running")
}
