package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/mmcdole/shelvd/internal/domain"
	"github.com/mmcdole/shelvd/internal/metrics"
)

const (
	contentLabel  = "content"
	metaSourceURL = "source_url"
)

// Info summarizes a cache table
type Info struct {
	Count int
	Size  int64 // Bytes
}

// ContentCache caches whole document binaries keyed by document ID.
// An entry is valid while its stable source URL matches the current one.
type ContentCache struct {
	blobs  domain.BlobStore
	logger *slog.Logger
	group  singleflight.Group
}

// NewContentCache creates a content cache over blobs
func NewContentCache(blobs domain.BlobStore, logger *slog.Logger) *ContentCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentCache{blobs: blobs, logger: logger}
}

func documentKey(documentID int64) string {
	return strconv.FormatInt(documentID, 10)
}

// FetchOrLoad returns the binary for documentID, downloading sourceURL only when
// nothing is cached or the cached copy came from a different stable URL.
// Cache failures never fail the call; only a failed download does.
func (c *ContentCache) FetchOrLoad(
	ctx context.Context,
	documentID int64,
	sourceURL string,
	download domain.Downloader,
) ([]byte, error) {
	stable := StableURL(sourceURL)

	if payload, ok := c.lookup(ctx, documentID, stable); ok {
		return payload, nil
	}

	// Concurrent opens of the same document share one download
	flightKey := documentKey(documentID) + "|" + stable
	v, err, shared := c.group.Do(flightKey, func() (any, error) {
		payload, err := download(ctx, sourceURL)
		if err != nil {
			return nil, err
		}
		metrics.Downloads.WithLabelValues(contentLabel).Inc()

		meta := domain.BlobMeta{metaSourceURL: stable}
		if err := c.blobs.Put(ctx, documentKey(documentID), payload, meta); err != nil {
			metrics.CacheWriteFailures.WithLabelValues(contentLabel).Inc()
			c.logger.Warn("failed to cache document", "error", err, "documentID", documentID, "bytes", len(payload))
		}
		return payload, nil
	})
	if err != nil {
		c.logger.Error("failed to download document", "error", err, "documentID", documentID)
		return nil, fmt.Errorf("download document %d: %w", documentID, err)
	}
	if shared {
		c.logger.Debug("shared in-flight download", "documentID", documentID)
	}
	return v.([]byte), nil
}

// lookup returns the cached payload when it is fresh for stable
func (c *ContentCache) lookup(ctx context.Context, documentID int64, stable string) ([]byte, bool) {
	blob, err := c.blobs.Get(ctx, documentKey(documentID))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		metrics.CacheLookups.WithLabelValues(contentLabel, metrics.ResultMiss).Inc()
		return nil, false
	case err != nil:
		metrics.CacheLookups.WithLabelValues(contentLabel, metrics.ResultError).Inc()
		c.logger.Warn("content cache lookup failed, using network", "error", err, "documentID", documentID)
		return nil, false
	}

	if blob.Meta[metaSourceURL] != stable {
		metrics.CacheLookups.WithLabelValues(contentLabel, metrics.ResultStale).Inc()
		c.logger.Info("document changed, invalidating cached copy",
			"documentID", documentID, "cached", blob.Meta[metaSourceURL], "current", stable)
		return nil, false
	}

	metrics.CacheLookups.WithLabelValues(contentLabel, metrics.ResultHit).Inc()
	c.logger.Debug("document cache hit", "documentID", documentID, "bytes", len(blob.Payload))
	return blob.Payload, true
}

// Get returns the cached document without any staleness check
func (c *ContentCache) Get(ctx context.Context, documentID int64) (*domain.CachedDocument, error) {
	blob, err := c.blobs.Get(ctx, documentKey(documentID))
	if err != nil {
		return nil, err
	}
	return &domain.CachedDocument{
		DocumentID:      documentID,
		Payload:         blob.Payload,
		SourceURLStable: blob.Meta[metaSourceURL],
		StoredAt:        blob.StoredAt,
	}, nil
}

// Evict removes the cached binary of a deleted document
func (c *ContentCache) Evict(ctx context.Context, documentID int64) error {
	if err := c.blobs.Delete(ctx, documentKey(documentID)); err != nil {
		return fmt.Errorf("evict document %d: %w", documentID, err)
	}
	c.logger.Debug("evicted document", "documentID", documentID)
	return nil
}

// Info returns the number of cached documents and their total size
func (c *ContentCache) Info(ctx context.Context) (Info, error) {
	return tableInfo(ctx, c.blobs)
}

// Clear removes every cached document
func (c *ContentCache) Clear(ctx context.Context) (int, error) {
	return c.blobs.Sweep(ctx, func(domain.BlobInfo) bool { return true })
}

func tableInfo(ctx context.Context, blobs domain.BlobStore) (Info, error) {
	count, err := blobs.Count(ctx)
	if err != nil {
		return Info{}, err
	}
	size, err := blobs.AggregateSize(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{Count: count, Size: size}, nil
}
