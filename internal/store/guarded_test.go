package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/store/memory"
)

type failingStore struct {
	*memory.Store
	err error
}

func (f failingStore) GetSource(context.Context, string) (string, error) { return "", f.err }

func (f failingStore) SetStatus(context.Context, string, spider.Status, string) error { return f.err }

func TestGuardedRecordsFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	core, logs := observer.New(zap.ErrorLevel)
	clk := clock.NewManual(time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	var hooked []string
	inner := failingStore{Store: memory.New(clk), err: errors.New("connection reset")}
	g := NewGuarded(inner, Config{
		Dir:       dir,
		Clock:     clk,
		OnFailure: func(op string, kind OpKind) { hooked = append(hooked, op+"/"+string(kind)) },
	}, zap.New(core))

	_, err := g.GetSource(context.Background(), "movies")
	require.ErrorIs(t, err, spider.ErrStore)
	require.ErrorContains(t, err, "connection reset")

	err = g.SetStatus(context.Background(), "movies", spider.StatusRunning, "")
	require.ErrorIs(t, err, spider.ErrStore)

	require.EqualValues(t, 2, g.Count())
	failures := g.Failures()
	require.Len(t, failures, 2)
	require.Equal(t, "get_source", failures[0].Op)
	require.Equal(t, OpWrite, failures[1].Kind)
	require.Equal(t, []string{"get_source/read", "set_status/write"}, hooked)
	require.Equal(t, 2, logs.FilterMessage("store operation failed").Len())

	read, err := os.ReadFile(filepath.Join(dir, "read-op.txt"))
	require.NoError(t, err)
	require.Contains(t, string(read), "get_source\tmovies\tconnection reset")
	write, err := os.ReadFile(filepath.Join(dir, "write-op.txt"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(write), "\n"))
}

func TestGuardedIgnoresNotFound(t *testing.T) {
	t.Parallel()

	g := NewGuarded(memory.New(nil), Config{}, nil)
	_, err := g.GetSource(context.Background(), "ghost")
	require.ErrorIs(t, err, spider.ErrNotFound)
	require.NotErrorIs(t, err, spider.ErrStore)
	require.Zero(t, g.Count())
}

func TestGuardedLogIsBounded(t *testing.T) {
	t.Parallel()

	inner := failingStore{Store: memory.New(nil), err: errors.New("boom")}
	g := NewGuarded(inner, Config{LogSize: 2}, nil)
	for _, name := range []string{"a", "b", "c"} {
		_, _ = g.GetSource(context.Background(), name)
	}
	require.EqualValues(t, 3, g.Count())
	failures := g.Failures()
	require.Len(t, failures, 2)
	require.Equal(t, "b", failures[0].Spider)
	require.Equal(t, "c", failures[1].Spider)
}

func TestGuardedPassesThroughSuccess(t *testing.T) {
	t.Parallel()

	inner := memory.New(nil)
	require.NoError(t, inner.PutDefinition(context.Background(), spider.Definition{Name: "m", SourceCode: "src"}))
	g := NewGuarded(inner, Config{}, nil)

	src, err := g.GetSource(context.Background(), "m")
	require.NoError(t, err)
	require.Equal(t, "src", src)
	require.Same(t, inner, g.Inner())
	require.NoError(t, g.Close())
	require.Zero(t, g.Count())
}
