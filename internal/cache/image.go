package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/metrics"
)

const (
	imageLabel = "image"
	metaOwner  = "owner"

	// DefaultImageTTL is how long a cached image is served before it is refetched
	DefaultImageTTL = 30 * 24 * time.Hour

	defaultImageFetchTimeout = 30 * time.Second

	handleScheme = "blob:shelvd/"
)

// ImageCache caches small images keyed by their exact URL with a pure TTL.
type ImageCache struct {
	blobs        domain.BlobStore
	ttl          time.Duration
	now          func() time.Time
	fetchTimeout time.Duration
	logger       *slog.Logger

	group singleflight.Group
	wg    sync.WaitGroup

	mu         sync.Mutex
	handles    map[uint64]*Handle
	nextHandle uint64
}

// ImageOption configures an ImageCache.
type ImageOption func(*ImageCache)

// WithTTL sets how long images are served from the cache.
func WithTTL(ttl time.Duration) ImageOption {
	return func(c *ImageCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithImageClock sets the time source used for expiry checks.
func WithImageClock(now func() time.Time) ImageOption {
	return func(c *ImageCache) {
		c.now = now
	}
}

// WithFetchTimeout bounds each background download.
func WithFetchTimeout(d time.Duration) ImageOption {
	return func(c *ImageCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// NewImageCache creates an image cache over blobs
func NewImageCache(blobs domain.BlobStore, logger *slog.Logger, opts ...ImageOption) *ImageCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ImageCache{
		blobs:        blobs,
		ttl:          DefaultImageTTL,
		now:          time.Now,
		fetchTimeout: defaultImageFetchTimeout,
		logger:       logger,
		handles:      make(map[uint64]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ImageRef is what a caller renders: either a local handle or the remote URL.
type ImageRef struct {
	URL    string
	Handle *Handle // nil when URL is the remote URL
}

// FromCache reports whether the image is served from local bytes
func (r ImageRef) FromCache() bool {
	return r.Handle != nil
}

// Release frees the local handle, if any. Safe to call on remote refs.
func (r ImageRef) Release() {
	if r.Handle != nil {
		r.Handle.Release()
	}
}

// Handle is an ephemeral in-memory reference to cached image bytes.
// Every handle must be released once the image is no longer displayed.
type Handle struct {
	id    uint64
	data  []byte
	cache *ImageCache
	once  sync.Once
}

// URL returns the locally resolvable address of the handle
func (h *Handle) URL() string {
	return handleScheme + strconv.FormatUint(h.id, 10)
}

// Bytes returns the image bytes
func (h *Handle) Bytes() []byte {
	return h.data
}

// Release drops the handle; later Resolve calls for its URL fail
func (h *Handle) Release() {
	h.once.Do(func() {
		h.cache.mu.Lock()
		delete(h.cache.handles, h.id)
		h.cache.mu.Unlock()
	})
}

// FetchOrLoad returns a fresh cached copy of url as a handle. Otherwise it
// returns url itself right away and caches the image in the background; that
// background fetch never reports failure to the caller.
func (c *ImageCache) FetchOrLoad(
	ctx context.Context,
	url string,
	ownerDocumentID int64,
	download domain.Downloader,
) ImageRef {
	if url == "" {
		return ImageRef{}
	}

	blob, err := c.blobs.Get(ctx, url)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		metrics.CacheLookups.WithLabelValues(imageLabel, metrics.ResultMiss).Inc()
	case err != nil:
		// Storage is unusable; serve remote and skip the write-through
		metrics.CacheLookups.WithLabelValues(imageLabel, metrics.ResultError).Inc()
		c.logger.Warn("image cache lookup failed", "error", err, "url", url)
		return ImageRef{URL: url}
	case c.expired(blob.StoredAt):
		metrics.CacheLookups.WithLabelValues(imageLabel, metrics.ResultExpired).Inc()
		if err := c.blobs.Delete(ctx, url); err != nil {
			c.logger.Warn("failed to delete expired image", "error", err, "url", url)
		}
	default:
		metrics.CacheLookups.WithLabelValues(imageLabel, metrics.ResultHit).Inc()
		h := c.issue(blob.Payload)
		return ImageRef{URL: h.URL(), Handle: h}
	}

	c.cacheInBackground(ctx, url, ownerDocumentID, download)
	return ImageRef{URL: url}
}

func (c *ImageCache) expired(storedAt time.Time) bool {
	return c.now().Sub(storedAt) > c.ttl
}

func (c *ImageCache) issue(data []byte) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	h := &Handle{id: c.nextHandle, data: data, cache: c}
	c.handles[h.id] = h
	return h
}

// cacheInBackground downloads url and writes it through, once per URL at a time
func (c *ImageCache) cacheInBackground(ctx context.Context, url string, owner int64, download domain.Downloader) {
	// Detach from the caller: the image is already being shown from url
	bg := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.group.Do(url, func() (any, error) {
			fetchCtx, cancel := context.WithTimeout(bg, c.fetchTimeout)
			defer cancel()

			payload, err := download(fetchCtx, url)
			if err != nil {
				c.logger.Warn("failed to fetch image for cache", "error", err, "url", url)
				return nil, nil
			}
			metrics.Downloads.WithLabelValues(imageLabel).Inc()

			meta := domain.BlobMeta{metaOwner: strconv.FormatInt(owner, 10)}
			if err := c.blobs.Put(fetchCtx, url, payload, meta); err != nil {
				metrics.CacheWriteFailures.WithLabelValues(imageLabel).Inc()
				c.logger.Warn("failed to cache image", "error", err, "url", url)
				return nil, nil
			}
			c.logger.Debug("cached image", "url", url, "bytes", len(payload), "documentID", owner)
			return nil, nil
		})
	}()
}

// Resolve returns the bytes behind a handle URL while the handle is outstanding
func (c *ImageCache) Resolve(handleURL string) ([]byte, bool) {
	idStr, ok := strings.CutPrefix(handleURL, handleScheme)
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[id]
	if !ok {
		return nil, false
	}
	return h.data, true
}

// Outstanding returns the number of handles not yet released
func (c *ImageCache) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Wait blocks until background fetches finish
func (c *ImageCache) Wait() {
	c.wg.Wait()
}

// Sweep deletes every expired image
func (c *ImageCache) Sweep(ctx context.Context) (int, error) {
	n, err := c.blobs.Sweep(ctx, func(info domain.BlobInfo) bool {
		return c.expired(info.StoredAt)
	})
	if err != nil {
		return 0, fmt.Errorf("sweep images: %w", err)
	}
	return n, nil
}

// EvictOwner deletes every image cached for a document
func (c *ImageCache) EvictOwner(ctx context.Context, documentID int64) (int, error) {
	owner := strconv.FormatInt(documentID, 10)
	return c.blobs.Sweep(ctx, func(info domain.BlobInfo) bool {
		return info.Meta[metaOwner] == owner
	})
}

// Info returns the number of cached images and their total size
func (c *ImageCache) Info(ctx context.Context) (Info, error) {
	return tableInfo(ctx, c.blobs)
}

// Clear removes every cached image
func (c *ImageCache) Clear(ctx context.Context) (int, error) {
	return c.blobs.Sweep(ctx, func(domain.BlobInfo) bool { return true })
}
