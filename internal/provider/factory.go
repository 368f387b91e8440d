package provider

import (
	"fmt"

	"go.uber.org/zap"
)

// NewTileSource decorates upstream according to the cache type: "memory"
// keeps tiles only in the in-process store, "file" also persists them under
// cacheDir.
func NewTileSource(cacheType, cacheDir, format string, upstream TileSource, log *zap.Logger) (TileSource, error) {
	switch cacheType {
	case "memory":
		log.Debug("Using memory tile cache", zap.String("source", upstream.Name()))
		return upstream, nil
	case "file":
		disk, err := NewDiskSource(cacheDir, format)
		if err != nil {
			return nil, err
		}
		log.Debug("Using file tile cache", zap.String("source", upstream.Name()), zap.String("cache_dir", cacheDir))
		return NewCachingSource(disk, upstream, log), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file)", cacheType)
	}
}
