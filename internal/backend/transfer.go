package backend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

const (
	// ChunkSize is the read/write buffer size for streamed transfers.
	ChunkSize = 128 * 1024
	// DefaultHashCacheSize bounds the number of remembered local fingerprints.
	DefaultHashCacheSize = 4096

	maxRetries = 3
)

// NewLimiter returns a limiter for bytesPerSec, or nil when unlimited.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst < ChunkSize {
		burst = ChunkSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// throttledReader stops at context cancellation and waits on the limiter
// before handing out each chunk.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func newReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	return &throttledReader{ctx: ctx, r: r, limiter: limiter}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > ChunkSize {
		p = p[:ChunkSize]
	}
	n, err := t.r.Read(p)
	if n > 0 && t.limiter != nil {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// copyStream copies src to dst honoring ctx and the limiter.
func copyStream(ctx context.Context, dst io.Writer, src io.Reader, limiter *rate.Limiter) (int64, error) {
	buf := make([]byte, ChunkSize)
	return io.CopyBuffer(dst, newReader(ctx, src, limiter), buf)
}

// writeAtomic streams r into name on fs through a hidden temp file in the same
// directory, renaming it into place only after a complete copy.
func writeAtomic(ctx context.Context, fs afero.Fs, name string, r io.Reader, limiter *rate.Limiter) (int64, error) {
	dir := filepath.Dir(name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(name)+".filesyncd.tmp")
	f, err := fs.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, copyErr := copyStream(ctx, f, r, limiter)
	if copyErr == nil {
		copyErr = f.Sync()
	}
	if cerr := f.Close(); copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		_ = fs.Remove(tmp)
		return n, copyErr
	}
	if err := fs.Rename(tmp, name); err != nil {
		_ = fs.Remove(tmp)
		return n, fmt.Errorf("failed to move temp file into place: %w", err)
	}
	return n, nil
}

// HashCache remembers md5 fingerprints of local files keyed by path, size and
// mtime, so unchanged files are not re-read on every run.
type HashCache struct {
	cache *lru.Cache[hashKey, string]
}

type hashKey struct {
	path  string
	size  int64
	mtime int64
}

// NewHashCache creates a cache holding up to size fingerprints.
func NewHashCache(size int) *HashCache {
	if size <= 0 {
		size = DefaultHashCacheSize
	}
	c, err := lru.New[hashKey, string](size)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	return &HashCache{cache: c}
}

// Sum returns the hex md5 of name on fs, using the cache when the file's size
// and mtime are unchanged.
func (h *HashCache) Sum(ctx context.Context, fs afero.Fs, name string) (string, error) {
	info, err := fs.Stat(name)
	if err != nil {
		return "", err
	}
	key := hashKey{path: name, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if sum, ok := h.cache.Get(key); ok {
		return sum, nil
	}
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := md5.New()
	if _, err := copyStream(ctx, hasher, f, nil); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	h.cache.Add(key, sum)
	return sum, nil
}

// Len reports the number of cached fingerprints.
func (h *HashCache) Len() int {
	return h.cache.Len()
}

// withRetry runs fn up to maxRetries+1 times with exponential backoff while
// retryable reports true. Context cancellation ends the loop immediately.
func withRetry(ctx context.Context, log logrus.FieldLogger, op string, retryable func(error) bool, fn func() error) error {
	var err error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			sleep := time.Duration(1<<uint(i-1)) * time.Second
			log.WithError(err).Warnf("Retry %d/%d for %s in %v", i, maxRetries, op, sleep)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
