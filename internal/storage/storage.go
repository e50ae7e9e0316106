// Package storage archives fetched pages and removes a spider's artifacts
// when it is restarted or deleted.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// BlobStore persists artifacts under slash-separated object paths.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// DeletePrefix removes every object whose path starts with prefix and
	// returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// PagePath is the object path for an archived page of a spider.
func PagePath(prefix, spiderName, digest string) string {
	return path.Join(strings.Trim(prefix, "/"), spiderName, digest+".html")
}

// SpiderPrefix is the object prefix holding every artifact of a spider.
func SpiderPrefix(prefix, spiderName string) string {
	return path.Join(strings.Trim(prefix, "/"), spiderName) + "/"
}
