// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLoggerLevel ensures the level override applies.
func TestNewProductionLoggerLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.InfoLevel))
	require.True(t, logger.Core().Enabled(zap.WarnLevel))

	_, err = New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestForSpiderWritesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, closeFn, err := ForSpider(zap.NewNop(), dir, "movies", true)
	require.NoError(t, err)
	logger.Info("page fetched", zap.String("url", "https://example.com"))
	logger.Error("callback failed")
	closeFn()

	main, err := os.ReadFile(filepath.Join(dir, "movies", "movies.log"))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(main), "\n"))
	require.Contains(t, string(main), `"url":"https://example.com"`)

	errs, err := os.ReadFile(filepath.Join(dir, "movies", "error.log"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(errs), "\n"))
	require.Contains(t, string(errs), "callback failed")
}

func TestForSpiderRejectsPathNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "..", "a/b", `a\b`} {
		_, _, err := ForSpider(zap.NewNop(), t.TempDir(), name, false)
		require.Error(t, err, name)
	}
}

func TestSpiderLogsDisabledWithoutDir(t *testing.T) {
	t.Parallel()

	require.Nil(t, SpiderLogs(zap.NewNop(), "", true))
	factory := SpiderLogs(zap.NewNop(), t.TempDir(), false)
	require.NotNil(t, factory)
	logger, closeFn, err := factory("shows")
	require.NoError(t, err)
	logger.Info("ok")
	closeFn()
}
