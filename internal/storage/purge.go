package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Purger removes a spider's log directory and archived pages.
type Purger struct {
	blobs  BlobStore
	prefix string
	logDir string
	logger *zap.Logger
}

// NewPurger builds a Purger. blobs may be nil when archiving is disabled and
// logDir may be empty when per-spider logs are off.
func NewPurger(blobs BlobStore, prefix, logDir string, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{blobs: blobs, prefix: prefix, logDir: logDir, logger: logger.Named("purger")}
}

// Purge deletes the artifacts of spiderName. Missing artifacts are not an error.
func (p *Purger) Purge(ctx context.Context, spiderName string) error {
	if spiderName == "" || spiderName != filepath.Base(spiderName) || spiderName == ".." {
		return fmt.Errorf("refusing to purge spider name %q", spiderName)
	}
	var errs []error
	if p.logDir != "" {
		dir := filepath.Join(p.logDir, spiderName)
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove log dir: %w", err))
		}
	}
	removed := 0
	if p.blobs != nil {
		n, err := p.blobs.DeletePrefix(ctx, SpiderPrefix(p.prefix, spiderName))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete archived pages: %w", err))
		}
		removed = n
	}
	p.logger.Info("purged spider artifacts", zap.String("spider", spiderName), zap.Int("objects", removed))
	return errors.Join(errs...)
}
