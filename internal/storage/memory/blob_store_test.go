package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutAndDeletePrefix(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	payload := []byte("content")

	uri, err := store.PutObject(ctx, "pages/films/a.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://pages/films/a.html", uri)
	payload[0] = 'C'

	got, ok := store.Get("pages/films/a.html")
	require.True(t, ok)
	assert.Equal(t, "content", string(got))

	_, err = store.PutObject(ctx, "pages/films/b.html", "text/html", bytes.NewReader(nil))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "pages/filmsextra/c.html", "text/html", bytes.NewReader(nil))
	require.NoError(t, err)

	n, err := store.DeletePrefix(ctx, "pages/films/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"pages/filmsextra/c.html"}, store.Paths())

	_, err = store.PutObject(ctx, " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
