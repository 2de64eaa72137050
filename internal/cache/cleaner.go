package cache

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the cleaner sweeps expired images
const DefaultSweepInterval = 24 * time.Hour

// Cleaner sweeps expired images once at start and then periodically.
type Cleaner struct {
	images   *ImageCache
	interval time.Duration
	logger   *slog.Logger
}

// NewCleaner creates a cleaner for images
func NewCleaner(images *ImageCache, interval time.Duration, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Cleaner{images: images, interval: interval, logger: logger}
}

// Run sweeps until ctx is done
func (c *Cleaner) Run(ctx context.Context) {
	c.sweep(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	n, err := c.images.Sweep(ctx)
	if err != nil {
		c.logger.Warn("image sweep failed", "error", err)
		return
	}
	info, err := c.images.Info(ctx)
	if err != nil {
		c.logger.Debug("swept expired images", "deleted", n)
		return
	}
	c.logger.Debug("swept expired images",
		"deleted", n,
		"remaining", info.Count,
		"sizeMB", float64(info.Size)/(1024*1024),
	)
}
