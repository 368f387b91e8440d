package layer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tilefetch/internal/fetch"
	"tilefetch/internal/provider"
	"tilefetch/internal/tile"
)

// FeatureLayer keeps the features of the latest viewport. Queries run one at
// a time; a result only replaces the current one if it answers a viewport at
// least as recent.
type FeatureLayer struct {
	fetcher *fetch.SingleFetcher[[]provider.Feature]
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	seq      uint64
	shownSeq uint64
	info     tile.FetchInfo
	features []provider.Feature
}

func NewFeatureLayer(ctx context.Context, src fetch.FeatureProvider[[]provider.Feature], logger *zap.Logger) *FeatureLayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &FeatureLayer{
		fetcher: fetch.NewSingleFetcher(src, logger),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetViewport starts an asynchronous query for info. It does nothing once the
// layer is closed.
func (l *FeatureLayer) SetViewport(info tile.FetchInfo) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.seq++
	seq := l.seq
	// Added under mu so Close never waits on a group that is still growing.
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		l.fetcher.Fetch(l.ctx, info, func(r fetch.Result[[]provider.Feature]) {
			l.accept(seq, r)
		})
	}()
}

func (l *FeatureLayer) accept(seq uint64, r fetch.Result[[]provider.Feature]) {
	if r.Err != nil {
		l.logger.Warn("Feature query failed", zap.Error(r.Err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < l.shownSeq {
		return
	}
	l.shownSeq = seq
	l.info = r.Info
	l.features = r.Value
}

// Features returns the latest features and the viewport they belong to.
func (l *FeatureLayer) Features() ([]provider.Feature, tile.FetchInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]provider.Feature(nil), l.features...), l.info
}

// Wait blocks until every query started so far has been answered.
func (l *FeatureLayer) Wait() {
	l.wg.Wait()
}

func (l *FeatureLayer) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return nil
}
