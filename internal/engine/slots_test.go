package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlotsBlockUntilRelease(t *testing.T) {
	t.Parallel()

	s := newSlots(1)
	ctx := context.Background()
	require.NoError(t, s.acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		if err := s.acquire(ctx); err == nil {
			close(acquired)
		}
	}()
	select {
	case <-acquired:
		t.Fatal("second acquire should block")
	case <-time.After(30 * time.Millisecond):
	}

	s.release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should proceed after release")
	}
	require.Equal(t, 1, s.inUse())
}

func TestSlotsResizeWakesWaiters(t *testing.T) {
	t.Parallel()

	s := newSlots(1)
	ctx := context.Background()
	require.NoError(t, s.acquire(ctx))

	done := make(chan error, 1)
	go func() { done <- s.acquire(ctx) }()

	s.resize(2)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resize should admit a waiter")
	}
	require.Equal(t, 2, s.size())
	require.Equal(t, 2, s.inUse())
}

func TestSlotsAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	s := newSlots(0)
	require.Equal(t, 1, s.size())
	require.NoError(t, s.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.acquire(ctx), context.DeadlineExceeded)
}

func TestHostSlotsResizeAll(t *testing.T) {
	t.Parallel()

	hs := newHostSlots(2)
	hs.get("a.example")
	hs.get("b.example")
	hs.resize(5)
	hs.get("c.example")

	require.Equal(t, map[string]int{"a.example": 5, "b.example": 5, "c.example": 5}, hs.sizes())
}
