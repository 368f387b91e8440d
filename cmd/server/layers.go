package main

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"tilefetch/internal/catalog"
	"tilefetch/internal/config"
	"tilefetch/internal/layer"
	"tilefetch/internal/provider"
	"tilefetch/internal/render"
	"tilefetch/internal/tile"
)

const remoteLayerID = "remote"

// buildRegistry creates one layer per catalog image, plus the remote layer
// when a remote tile server is configured.
func buildRegistry(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, log *zap.Logger) (*layer.Registry, error) {
	notFound, err := cfg.NotFoundPolicy()
	if err != nil {
		return nil, err
	}
	opts := layer.TileOptions{
		Workers:     cfg.FetchWorkers,
		MinimumKeep: cfg.CacheMinKeep,
		Multiplier:  cfg.CacheMultiplier,
		NotFound:    notFound,
		Strategy: tile.PrefetchStrategy{
			Margin:       cfg.PrefetchMargin,
			ParentLevels: cfg.PrefetchParents,
		},
	}

	registry := layer.NewRegistry(log)
	for _, img := range cat.Images() {
		schema := img.Schema(tile.DefaultTileSize)
		renderer := render.NewSource(cat.Path(img.ID), schema, log)
		src, err := provider.NewTileSource(cfg.CacheType, filepath.Join(cfg.CacheFileDir, img.ID), schema.Format, renderer, log)
		if err != nil {
			registry.Close()
			return nil, err
		}

		l := &layer.Layer{
			Image:    img,
			Tiles:    layer.NewTileLayer(ctx, schema, src, opts, log),
			Features: layer.NewFeatureLayer(ctx, provider.NewAnnotationSource(cat.FeaturesPath(img.ID), tile.CRSPixel, log), log),
		}
		if err := registry.Add(l); err != nil {
			l.Close()
			registry.Close()
			return nil, err
		}
	}

	if cfg.RemoteTileURL != "" {
		img := catalog.ImageInfo{ID: remoteLayerID, OriginalFilename: cfg.RemoteTileURL, Width: cfg.RemoteWidth, Height: cfg.RemoteHeight}
		schema := img.Schema(tile.DefaultTileSize)
		remote := provider.NewHTTPSource(cfg.RemoteTileURL, provider.HTTPOptions{RetryMax: cfg.RemoteRetryMax}, log)
		src, err := provider.NewTileSource(cfg.CacheType, filepath.Join(cfg.CacheFileDir, remoteLayerID), schema.Format, remote, log)
		if err != nil {
			registry.Close()
			return nil, err
		}
		l := &layer.Layer{Image: img, Tiles: layer.NewTileLayer(ctx, schema, src, opts, log)}
		if err := registry.Add(l); err != nil {
			l.Close()
			registry.Close()
			return nil, err
		}
	}

	log.Info("Layers ready", zap.Int("count", len(registry.List())))
	return registry, nil
}
