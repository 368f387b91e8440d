package provider

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tilefetch/internal/fetch"
	"tilefetch/internal/tile"
)

// CachingSource answers from disk when it can and otherwise asks upstream,
// persisting what upstream returns.
type CachingSource struct {
	disk     *DiskSource
	upstream TileSource
	logger   *zap.Logger
}

func NewCachingSource(disk *DiskSource, upstream TileSource, logger *zap.Logger) *CachingSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingSource{disk: disk, upstream: upstream, logger: logger}
}

func (c *CachingSource) Name() string {
	return c.upstream.Name() + "+" + c.disk.Name()
}

func (c *CachingSource) Fetch(ctx context.Context, idx tile.Index) ([]byte, error) {
	data, err := c.disk.Fetch(ctx, idx)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fetch.ErrNotFound) {
		c.logger.Warn("Disk tile read failed", zap.Stringer("tile", idx), zap.Error(err))
	}

	data, err = c.upstream.Fetch(ctx, idx)
	if err != nil {
		return nil, err
	}
	if err := c.disk.Store(idx, data); err != nil {
		c.logger.Warn("Failed to persist tile", zap.Stringer("tile", idx), zap.Error(err))
	}
	return data, nil
}
