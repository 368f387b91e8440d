// Package layer binds the fetch pipeline to the images of the catalog. Each
// image gets a tile layer fed by background workers and a feature layer fed
// by single requests.
package layer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tilefetch/internal/cache"
	"tilefetch/internal/fetch"
	"tilefetch/internal/provider"
	"tilefetch/internal/tile"
)

// TileData is an encoded tile as kept in the store.
type TileData struct {
	Data []byte
	ETag string
}

type TileOptions struct {
	Workers     int
	MinimumKeep int
	Multiplier  int
	NotFound    fetch.NotFoundPolicy
	Strategy    tile.Strategy
}

// Frame is the outcome of one render pass over the current viewport.
type Frame struct {
	Iteration int64        `json:"iteration"`
	Level     int          `json:"level"`
	Ready     []tile.Index `json:"ready"`
	Empty     []tile.Index `json:"empty"`
	Pending   []tile.Index `json:"pending"`
	Evicted   int          `json:"evicted"`
}

type Status struct {
	Busy           bool  `json:"busy"`
	Pending        int   `json:"pending"`
	InProgress     int   `json:"in_progress"`
	Cached         int   `json:"cached"`
	Iteration      int64 `json:"iteration"`
	Recomputations int64 `json:"recomputations"`
	Restarts       int64 `json:"restarts"`
	Workers        int   `json:"workers"`
	Running        int   `json:"running"`
	Loaded         int64 `json:"loaded"`
	Missing        int64 `json:"missing"`
	Failed         int64 `json:"failed"`
	Evicted        int64 `json:"evicted"`
}

// TileLayer keeps the tiles of one schema cached around a viewport.
type TileLayer struct {
	schema  tile.Schema
	store   *cache.Store[tile.Index, TileData]
	machine *fetch.Machine[tile.Index, TileData]
	logger  *zap.Logger

	cancel      context.CancelFunc
	unsubscribe func()
	drained     chan struct{}
	closeOnce   sync.Once
	closeErr    error

	iteration atomic.Int64
	loaded    atomic.Int64
	missing   atomic.Int64
	failed    atomic.Int64
	evicted   atomic.Int64
}

func NewTileLayer(ctx context.Context, schema tile.Schema, src provider.TileSource, opts TileOptions, logger *zap.Logger) *TileLayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("layer", schema.Name))
	ctx, cancel := context.WithCancel(ctx)

	// Evictions only happen in Frame, after l is assigned.
	var l *TileLayer
	store := cache.New[tile.Index, TileData](
		cache.WithMinimumKeep(opts.MinimumKeep),
		cache.WithMultiplier(opts.Multiplier),
		cache.WithLogger(logger),
		cache.WithOnEvict(func(any) { l.evicted.Add(1) }),
	)
	planner := tile.Planner{Schema: schema, Strategy: opts.Strategy}
	fetchTile := func(ctx context.Context, idx tile.Index) (TileData, error) {
		data, err := src.Fetch(ctx, idx)
		if err != nil {
			return TileData{}, err
		}
		return TileData{Data: data, ETag: etag(data)}, nil
	}

	d := fetch.NewDispatcher[tile.Index, TileData](store, planner, fetchTile,
		fetch.WithLogger(logger),
		fetch.WithNotFoundPolicy(opts.NotFound),
	)
	d.Notifier().OnBusyChanged(func(busy bool) {
		logger.Debug("Layer busy state changed", zap.Bool("busy", busy))
	})
	events, unsubscribe := d.Notifier().Subscribe()

	l = &TileLayer{
		schema:      schema,
		store:       store,
		machine:     fetch.NewMachine(ctx, d, opts.Workers, logger),
		logger:      logger,
		cancel:      cancel,
		unsubscribe: unsubscribe,
		drained:     make(chan struct{}),
	}
	go l.drain(events)
	return l
}

func (l *TileLayer) drain(events <-chan fetch.DataChanged[tile.Index]) {
	defer close(l.drained)
	for ev := range events {
		switch {
		case ev.Err != nil:
			l.failed.Add(1)
			l.logger.Warn("Tile fetch failed", zap.Stringer("tile", ev.Key), zap.Error(ev.Err))
		case ev.Missing:
			l.missing.Add(1)
		default:
			l.loaded.Add(1)
		}
		if ev.Major {
			l.logger.Debug("Viewport fully loaded", zap.Int("cached", l.store.Len()))
		}
	}
}

func (l *TileLayer) Schema() tile.Schema { return l.schema }

// SetViewport schedules fetching for info and wakes the workers.
func (l *TileLayer) SetViewport(info tile.FetchInfo) {
	l.machine.SetViewport(info)
}

// Frame performs one render pass: it opens a new cache iteration and reads
// the visible tiles of the current viewport, marking them as used.
func (l *TileLayer) Frame() Frame {
	it := l.iteration.Add(1)
	f := Frame{Iteration: it, Level: -1, Evicted: l.store.UpdateCache(it)}

	info, ok := l.machine.Dispatcher().Viewport()
	if !ok {
		return f
	}
	f.Level = l.schema.NearestLevel(info.Resolution)
	visible := tile.Planner{Schema: l.schema}.Plan(info)
	for _, idx := range visible {
		e, ok := l.store.Get(idx)
		switch {
		case !ok:
			f.Pending = append(f.Pending, idx)
		case e.Missing():
			f.Empty = append(f.Empty, idx)
		default:
			f.Ready = append(f.Ready, idx)
		}
	}
	return f
}

// Tile returns a cached tile. Negative entries are reported as absent.
func (l *TileLayer) Tile(idx tile.Index) (TileData, bool) {
	e, ok := l.store.Get(idx)
	if !ok || e.Missing() {
		return TileData{}, false
	}
	return e.Value(), true
}

func (l *TileLayer) Status() Status {
	d := l.machine.Dispatcher()
	return Status{
		Busy:           d.Busy(),
		Pending:        d.Pending(),
		InProgress:     d.InProgress(),
		Cached:         l.store.Len(),
		Iteration:      l.store.Iteration(),
		Recomputations: d.Recomputations(),
		Restarts:       d.Restarts(),
		Workers:        l.machine.Workers(),
		Running:        l.machine.Running(),
		Loaded:         l.loaded.Load(),
		Missing:        l.missing.Load(),
		Failed:         l.failed.Load(),
		Evicted:        l.evicted.Load(),
	}
}

// WaitIdle blocks until the current viewport is fully processed.
func (l *TileLayer) WaitIdle(ctx context.Context) error {
	return l.machine.Dispatcher().WaitIdle(ctx)
}

// Warmup loads every tile of levels 0 through maxLevel by walking the
// viewport over the whole image, one level at a time.
func (l *TileLayer) Warmup(ctx context.Context, maxLevel int) error {
	for _, r := range l.schema.Resolutions {
		if r.Level > maxLevel {
			break
		}
		l.SetViewport(tile.FetchInfo{
			Extent:     l.schema.Extent,
			Resolution: r.UnitsPerPixel,
			CRS:        l.schema.CRS,
		})
		if err := l.WaitIdle(ctx); err != nil {
			return err
		}
		l.logger.Debug("Warmed up level", zap.Int("level", r.Level), zap.Int("cached", l.store.Len()))
	}
	return nil
}

// Close stops the workers, cancels fetches still running and releases the
// cache.
func (l *TileLayer) Close() error {
	l.closeOnce.Do(func() {
		l.machine.Stop()
		l.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.machine.Wait(ctx); err != nil {
			l.logger.Warn("Timed out waiting for fetch workers", zap.Error(err))
		}

		l.closeErr = l.store.Close()
		l.unsubscribe()
		<-l.drained
	})
	return l.closeErr
}

func etag(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:16]
}
