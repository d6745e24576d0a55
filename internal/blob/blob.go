// Package blob stores uploaded files on local disk or in S3 and resolves their locators.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/config"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// URLExpiry is how long a presigned download URL stays valid.
const URLExpiry = time.Hour

const s3Scheme = "s3://"

var ErrInvalidLocator = errors.New("invalid blob locator")

// Store is the blob storage contract used by the intake API and the sweeper.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores blob under prefix and returns its locator.
	Put(ctx context.Context, prefix string, blob models.FileBlob) (string, error)
	// ResolveURL returns a URL a client can download the blob from. No HTTP
	// route exposes it; operators and tooling use it to fetch an upload.
	ResolveURL(ctx context.Context, locator string) (string, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, locator string) error
	// SweepExpired deletes blobs older than maxAge and returns how many were removed.
	SweepExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

// New returns an S3-backed store when cfg.UseS3 is set, a local store otherwise.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	local := NewLocalStore(cfg.LocalPath, logger)
	if !cfg.UseS3 {
		return local, nil
	}
	return NewS3Store(ctx, cfg, local, logger)
}

// objectKey builds "<prefix>/<unix millis>-<base filename>".
func objectKey(prefix, filename string, now time.Time) string {
	return fmt.Sprintf("%s/%d-%s", strings.Trim(prefix, "/"), now.UnixMilli(), safeName(filename))
}

func safeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// parseS3Locator splits s3://bucket/key. ok is false for any other form.
func parseS3Locator(locator string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(locator, s3Scheme)
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
