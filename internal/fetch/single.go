package fetch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tilefetch/internal/tile"
)

// FeatureProvider answers free-form spatial queries. Providers are not assumed
// to be safe for concurrent use.
type FeatureProvider[V any] interface {
	Fetch(ctx context.Context, info tile.FetchInfo) (V, error)
}

// Result is delivered to the callback of SingleFetcher.Fetch. Shared is set
// for callers that joined a request issued by someone else.
type Result[V any] struct {
	Info   tile.FetchInfo
	Value  V
	Err    error
	Shared bool
}

// SingleFetcher issues at most one request at a time against its provider.
// A caller asking for the same FetchInfo as the request in flight joins that
// request instead of queueing a second one.
type SingleFetcher[V any] struct {
	provider FeatureProvider[V]
	logger   *zap.Logger

	mu    sync.Mutex
	group singleflight.Group
}

func NewSingleFetcher[V any](provider FeatureProvider[V], logger *zap.Logger) *SingleFetcher[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SingleFetcher[V]{provider: provider, logger: logger}
}

// Fetch queries the provider for info and hands the outcome to callback. The
// provider lock is held from the request until the callback of the issuing
// caller returned; joined callers are called back right after.
func (f *SingleFetcher[V]) Fetch(ctx context.Context, info tile.FetchInfo, callback func(Result[V])) {
	issued := false
	v, err, _ := f.group.Do(requestKey(info), func() (any, error) {
		issued = true

		f.mu.Lock()
		defer f.mu.Unlock()

		value, err := f.call(ctx, info)
		callback(Result[V]{Info: info, Value: value, Err: err})
		return value, err
	})
	if issued {
		return
	}

	value, _ := v.(V)
	callback(Result[V]{Info: info, Value: value, Err: err, Shared: true})
}

// Go runs Fetch on a new goroutine.
func (f *SingleFetcher[V]) Go(ctx context.Context, info tile.FetchInfo, callback func(Result[V])) {
	go f.Fetch(ctx, info, callback)
}

func (f *SingleFetcher[V]) call(ctx context.Context, info tile.FetchInfo) (value V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feature fetch panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return value, err
	}

	value, err = f.provider.Fetch(ctx, info)
	if err != nil {
		f.logger.Debug("Feature fetch failed", zap.Error(err))
	}
	return value, err
}

func requestKey(info tile.FetchInfo) string {
	e := info.Extent
	return fmt.Sprintf("%s|%g|%g,%g,%g,%g|%d", info.CRS, info.Resolution, e.MinX, e.MinY, e.MaxX, e.MaxY, info.Change)
}
