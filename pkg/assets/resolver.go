// Package assets turns remote asset references (http(s) URLs or Azure blob
// references) into local files. Resolution is idempotent per destination
// path: an existing file is returned as-is, concurrent fetches for the same
// destination are serialized, and downloads complete through a temp file and
// an atomic rename so a partially-written file is never observable.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// BlobScheme prefixes references that resolve through blob storage rather
// than plain HTTP.
const BlobScheme = "azblob://"

// partialSuffix marks in-flight downloads; completed files never carry it.
const partialSuffix = ".partial"

// Config holds resolver settings.
type Config struct {
	// MaxAttempts bounds the fetch retry loop. Values below 1 become 1.
	MaxAttempts int

	// RetryInterval is the wait between attempts.
	RetryInterval time.Duration

	// HTTPTimeout applies to each individual fetch attempt.
	HTTPTimeout time.Duration
}

// DefaultConfig returns resolver settings matching the original deployment's
// install-with-retries behavior.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryInterval: 2 * time.Second,
		HTTPTimeout:   10 * time.Minute,
	}
}

// Resolver fetches remote assets to local paths.
type Resolver struct {
	httpClient *http.Client
	blob       storage.BlobClient
	blobHost   string
	logger     *zap.Logger
	cfg        Config

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewResolver creates a resolver. blob may be nil when no blob storage is
// configured; blob references then fail with ErrFetch. blobHost, when set,
// marks https references under that host as blob-storage reads.
func NewResolver(cfg Config, blob storage.BlobClient, blobHost string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Resolver{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		blob:       blob,
		blobHost:   strings.TrimRight(blobHost, "/"),
		logger:     logger,
		cfg:        cfg,
		inflight:   make(map[string]*sync.Mutex),
	}
}

// Resolve ensures a local copy of the referenced content at destPath and
// returns destPath. An existing file short-circuits the fetch unless force
// is set. Missing sources surface as ErrAssetNotFound, other transport
// failures as ErrFetch.
func (r *Resolver) Resolve(ctx context.Context, reference, destPath string, force bool) (string, error) {
	lock := r.destLock(destPath)
	lock.Lock()
	defer lock.Unlock()

	if !force {
		if info, err := os.Stat(destPath); err == nil && !info.IsDir() {
			r.logger.Debug("Asset already present, skipping fetch",
				zap.String("path", destPath))
			return destPath, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create asset directory: %w", err)
	}

	operation := func() (struct{}, error) {
		return struct{}{}, r.fetchOnce(ctx, reference, destPath)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.cfg.RetryInterval)),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
	if err != nil {
		return "", fmt.Errorf("resolving %s (max %d attempts): %w", reference, r.cfg.MaxAttempts, err)
	}

	r.logger.Info("Resolved asset",
		zap.String("reference", reference),
		zap.String("path", destPath))
	return destPath, nil
}

// ResolveAll resolves a list of references into dir, deriving each filename
// from its reference. The returned paths preserve input order.
func (r *Resolver) ResolveAll(ctx context.Context, references []string, dir string) ([]string, error) {
	paths := make([]string, 0, len(references))
	for _, ref := range references {
		dest := filepath.Join(dir, TargetFilename(ref))
		path, err := r.Resolve(ctx, ref, dest, false)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (r *Resolver) destLock(destPath string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.inflight[destPath]
	if !ok {
		lock = &sync.Mutex{}
		r.inflight[destPath] = lock
	}
	return lock
}

func (r *Resolver) fetchOnce(ctx context.Context, reference, destPath string) error {
	if r.isBlobReference(reference) {
		return r.fetchBlob(ctx, reference, destPath)
	}
	return r.fetchHTTP(ctx, reference, destPath)
}

func (r *Resolver) isBlobReference(reference string) bool {
	if strings.HasPrefix(reference, BlobScheme) {
		return true
	}
	return r.blobHost != "" && strings.HasPrefix(strings.ToLower(reference), strings.ToLower(r.blobHost))
}

func (r *Resolver) fetchBlob(ctx context.Context, reference, destPath string) error {
	if r.blob == nil {
		return backoff.Permanent(fmt.Errorf("%w: blob storage not configured for %s", daederrors.ErrFetch, reference))
	}
	data, err := r.blob.Download(ctx, strings.TrimPrefix(reference, BlobScheme))
	if err != nil {
		if errors.Is(err, daederrors.ErrAssetNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	return r.commit(destPath, func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
}

func (r *Resolver) fetchHTTP(ctx context.Context, reference, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reference, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: invalid reference %s: %v", daederrors.ErrFetch, reference, err))
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", daederrors.ErrFetch, reference, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", daederrors.ErrAssetNotFound, reference))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s returned status %d", daederrors.ErrFetch, reference, resp.StatusCode)
	}

	if resp.ContentLength >= 0 {
		// size known: stream straight to disk
		return r.commit(destPath, func(w io.Writer) error {
			_, cerr := io.Copy(w, resp.Body)
			return cerr
		})
	}

	// size unknown: buffer, then single-shot write
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", daederrors.ErrFetch, reference, err)
	}
	return r.commit(destPath, func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
}

// commit writes through a temp file and renames into place so concurrent
// readers never observe a partial download.
func (r *Resolver) commit(destPath string, write func(io.Writer) error) error {
	tmpPath := destPath + partialSuffix
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", daederrors.ErrFetch, tmpPath, err)
	}

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", daederrors.ErrFetch, destPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing %s: %v", daederrors.ErrFetch, tmpPath, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: finalizing %s: %v", daederrors.ErrFetch, destPath, err)
	}
	return nil
}
