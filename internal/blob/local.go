package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// LocalStore keeps blobs under a root directory. Locators are file paths.
type LocalStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

func NewLocalStore(root string, logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{root: filepath.Clean(root), logger: logger, now: time.Now}
}

func (s *LocalStore) Put(ctx context.Context, prefix string, blob models.FileBlob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := s.now()
	for i := 0; i < 10; i++ {
		path := filepath.Join(s.root, filepath.FromSlash(objectKey(prefix, blob.Filename, now)))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create blob directory: %w", err)
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			now = now.Add(time.Millisecond)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create blob file: %w", err)
		}

		if _, err := f.Write(blob.Data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write blob file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close blob file: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("create blob file: too many name collisions for %q", blob.Filename)
}

// ResolveURL returns local locators unchanged.
func (s *LocalStore) ResolveURL(_ context.Context, locator string) (string, error) {
	if locator == "" {
		return "", ErrInvalidLocator
	}
	return locator, nil
}

// Delete removes a local blob. Failures are logged, not returned.
func (s *LocalStore) Delete(_ context.Context, locator string) error {
	if !s.owns(locator) {
		return fmt.Errorf("%w: %q is outside %s", ErrInvalidLocator, locator, s.root)
	}

	err := os.Remove(locator)
	switch {
	case err == nil:
		s.logger.Info("blob deleted", "locator", locator)
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("blob already gone", "locator", locator)
	default:
		s.logger.Warn("blob delete failed", "locator", locator, "error", err)
	}
	return nil
}

// SweepExpired walks the storage root and removes files whose modification
// time is older than maxAge.
func (s *LocalStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed := 0

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("sweep delete failed", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep %s: %w", s.root, err)
	}

	if removed > 0 {
		s.logger.Info("expired blobs swept", "count", removed, "max_age", maxAge.String())
	}
	return removed, nil
}

func (s *LocalStore) owns(locator string) bool {
	if locator == "" {
		return false
	}
	rel, err := filepath.Rel(s.root, filepath.Clean(locator))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
