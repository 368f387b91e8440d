package layer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func warmup(ctx context.Context, layers []*Layer, levels, limit int, logger *zap.Logger) error {
	if levels <= 0 || len(layers) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 1
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, l := range layers {
		g.Go(func() error {
			if err := l.Tiles.Warmup(ctx, levels); err != nil {
				return err
			}
			logger.Info("Warmed up layer", zap.String("id", l.Image.ID), zap.Int("cached", l.Tiles.Status().Cached))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Warmup complete", zap.Int("layers", len(layers)), zap.Int("levels", levels), zap.Duration("duration", time.Since(start)))
	return nil
}
