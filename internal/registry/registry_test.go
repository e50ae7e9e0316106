package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/spider/spidertest"
)

func TestRegistryAddRemove(t *testing.T) {
	t.Parallel()

	reg := New()
	a := NewHandle("a", spidertest.NewRunner(1))
	b := NewHandle("b", spidertest.NewRunner(1))

	require.NoError(t, reg.Add(b))
	require.NoError(t, reg.Add(a))
	require.ErrorIs(t, reg.Add(NewHandle("a", spidertest.NewRunner(1))), spider.ErrAlreadyExists)

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2, reg.Active())
	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	stale := NewHandle("a", spidertest.NewRunner(1))
	assert.False(t, reg.Remove(stale))
	assert.True(t, reg.Has("a"))

	assert.True(t, reg.Remove(a))
	assert.False(t, reg.Has("a"))
	assert.Equal(t, 1, reg.Active())
	assert.Len(t, reg.Handles(), 1)
}

func TestHandleCompletionRunsOnce(t *testing.T) {
	t.Parallel()

	runner := spidertest.NewRunner(2)
	runner.FinishOnStop = false
	h := NewHandle("films", runner)

	var calls atomic.Int32
	var order []string
	h.OnComplete(func(_ *Handle, c spider.Completion) {
		calls.Add(1)
		order = append(order, "first")
		assert.Equal(t, spider.OutcomeSuccess, c.Outcome)
	})
	h.OnComplete(func(_ *Handle, _ spider.Completion) {
		order = append(order, "second")
	})

	require.NoError(t, h.Start(context.Background()))
	require.True(t, h.Running())
	require.ErrorIs(t, h.Start(context.Background()), spider.ErrAlreadyExists)

	runner.Finish(spider.Completion{Outcome: spider.OutcomeSuccess})
	runner.Finish(spider.Completion{Outcome: spider.OutcomeError})

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("completion chain did not run")
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, h.Running())
	assert.Equal(t, spider.OutcomeSuccess, h.Completion().Outcome)
}

func TestHandleStopMarksTerminated(t *testing.T) {
	t.Parallel()

	runner := spidertest.NewRunner(1)
	runner.FinishOnStop = false
	h := NewHandle("films", runner)
	require.NoError(t, h.Start(context.Background()))

	h.Stop()
	assert.True(t, h.Terminating())
	assert.Equal(t, 1, runner.Stops())

	runner.Finish(spider.Completion{Outcome: spider.OutcomeSuccess})
	<-h.Done()
	assert.Equal(t, spider.OutcomeTerminated, h.Completion().Outcome)
}

func TestHandleStopKeepsErrorOutcome(t *testing.T) {
	t.Parallel()

	runner := spidertest.NewRunner(1)
	runner.FinishOnStop = false
	h := NewHandle("films", runner)
	require.NoError(t, h.Start(context.Background()))
	h.Stop()
	runner.Finish(spider.Completion{Outcome: spider.OutcomeError, Detail: "boom"})
	<-h.Done()
	assert.Equal(t, spider.OutcomeError, h.Completion().Outcome)
}

func TestHandleStartFailure(t *testing.T) {
	t.Parallel()

	runner := spidertest.NewRunner(1)
	runner.RunErr = errors.New("no slots")
	h := NewHandle("films", runner)
	require.EqualError(t, h.Start(context.Background()), "no slots")
	assert.False(t, h.Running())
}
