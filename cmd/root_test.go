package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/config"
)

const moduleSource = `
spiders:
  - name: films
    start_urls: ["https://films.example/"]
    parse_record: {name: h1}
  - name: finder
    parse_record: {name: h1}
    search:
      url: "https://finder.example/s?q={{ .Name | urlquery }}"
      result: a
`

type fakeApp struct {
	ran     bool
	closed  bool
	runErr  error
	applied int
}

func (f *fakeApp) Run(ctx context.Context) error {
	f.ran = true
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeApp) ApplyConfig(config.Config, error) { f.applied++ }

func (f *fakeApp) Close() { f.closed = true }

func withApp(t *testing.T, a Runner, err error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (Runner, error) {
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	t.Cleanup(func() { newApp = prev })
}

func execute(ctx context.Context, args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateListsSpiders(t *testing.T) {
	path := writeFile(t, "module.yaml", moduleSource)

	out, err := execute(context.Background(), "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "films\tok\tsearch=false")
	assert.Contains(t, out, "finder\tok\tsearch=true")
}

func TestValidateMissingSpider(t *testing.T) {
	path := writeFile(t, "module.yaml", moduleSource)

	_, err := execute(context.Background(), "validate", path, "books")
	require.Error(t, err)
}

func TestValidateRejectsBadModule(t *testing.T) {
	path := writeFile(t, "module.yaml", "spiders: [")

	_, err := execute(context.Background(), "validate", path)
	require.Error(t, err)
}

func TestRunDrivesAppUntilCanceled(t *testing.T) {
	fake := &fakeApp{}
	withApp(t, fake, nil)
	cfgPath := writeFile(t, "config.yaml", "rate:\n  min: 2\n  max: 8\nlogging:\n  development: false\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := execute(ctx, "run", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, fake.ran)
	assert.True(t, fake.closed)
}

func TestRunReportsAppErrors(t *testing.T) {
	fake := &fakeApp{runErr: errors.New("listen tcp :8080: address already in use")}
	withApp(t, fake, nil)

	_, err := execute(context.Background(), "run")
	require.ErrorContains(t, err, "address already in use")
	assert.True(t, fake.closed)
}

func TestRunReportsInitErrors(t *testing.T) {
	withApp(t, nil, errors.New("connect postgres: refused"))

	_, err := execute(context.Background(), "run")
	require.ErrorContains(t, err, "initialize application services")
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "rate:\n  min: 9\n  max: 1\n")

	_, err := execute(context.Background(), "validate", "--config", cfgPath, "unused.yaml")
	require.ErrorContains(t, err, "load config")
}
