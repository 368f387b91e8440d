package main

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tilefetch/internal/cache"
	"tilefetch/internal/fetch"
	"tilefetch/internal/provider"
	"tilefetch/internal/tile"
)

const progressInterval = 5 * time.Second

type seedOptions struct {
	MaxLevel int
	Workers  int
}

type report struct {
	Fetched  int64
	Missing  int64
	Failed   int64
	Duration time.Duration
}

// seed drives every tile of the schema through a fetch dispatcher, one level
// at a time. The store only remembers sizes; the tiles themselves end up
// wherever src puts them.
func seed(ctx context.Context, src provider.TileSource, schema tile.Schema, opts seedOptions, log *zap.Logger) (report, error) {
	start := time.Now()
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	maxLevel := schema.MaxLevel()
	if opts.MaxLevel >= 0 && opts.MaxLevel < maxLevel {
		maxLevel = opts.MaxLevel
	}

	store := cache.New[tile.Index, int](cache.WithMinimumKeep(0), cache.WithMultiplier(1), cache.WithLogger(log))
	defer store.Close()

	d := fetch.NewDispatcher[tile.Index, int](store, tile.Planner{Schema: schema}, func(ctx context.Context, idx tile.Index) (int, error) {
		data, err := src.Fetch(ctx, idx)
		return len(data), err
	}, fetch.WithLogger(log))

	var fetched, missing, failed atomic.Int64
	d.Notifier().OnDataChanged(func(ev fetch.DataChanged[tile.Index]) {
		if ev.Err != nil {
			failed.Add(1)
			log.Warn("Tile failed", zap.Stringer("tile", ev.Key), zap.Error(ev.Err))
			return
		}
		if ev.Missing {
			missing.Add(1)
			return
		}
		fetched.Add(1)
	})

	m := fetch.NewMachine(ctx, d, opts.Workers, log)
	defer m.Stop()

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		for _, r := range schema.Resolutions {
			if r.Level > maxLevel {
				break
			}
			// Only the level being seeded stays in memory.
			store.UpdateCache(int64(r.Level) + 1)

			cols, rows := schema.Matrix(r.Level)
			log.Info("Seeding level", zap.Int("level", r.Level), zap.Int("tiles", cols*rows))
			m.SetViewport(tile.FetchInfo{Extent: schema.Extent, Resolution: r.UnitsPerPixel, CRS: schema.CRS})
			if err := d.WaitIdle(gctx); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				log.Info("Seeding progress",
					zap.Int64("fetched", fetched.Load()),
					zap.Int64("missing", missing.Load()),
					zap.Int64("failed", failed.Load()),
					zap.Int("pending", d.Pending()),
				)
			}
		}
	})
	err := g.Wait()

	return report{
		Fetched:  fetched.Load(),
		Missing:  missing.Load(),
		Failed:   failed.Load(),
		Duration: time.Since(start),
	}, err
}
