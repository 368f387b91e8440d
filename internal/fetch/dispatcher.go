// Package fetch schedules background fetches for the data a viewport needs.
//
// A Dispatcher turns viewport changes into a queue of missing keys and hands
// the keys out one at a time to any number of Workers, never giving the same
// key to two workers at once. Completed fetches land in a cache.Store and are
// announced through a Notifier.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tilefetch/internal/cache"
	"tilefetch/internal/tile"
)

// FetchFunc retrieves the value for one key. It returns ErrNotFound (possibly
// wrapped) when the source has no data for key.
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Planner lists every key that should be present for a region of interest.
type Planner[K comparable] interface {
	Plan(info tile.FetchInfo) []K
}

// Work is one unit of fetch work handed out by TryTake.
type Work[K comparable] struct {
	Key K
	run func(ctx context.Context)
}

// Run performs the fetch and its completion handling. It does not panic.
func (w Work[K]) Run(ctx context.Context) {
	if w.run != nil {
		w.run(ctx)
	}
}

type options struct {
	logger   *zap.Logger
	notFound NotFoundPolicy
}

// Option configures a Dispatcher.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithNotFoundPolicy(p NotFoundPolicy) Option {
	return func(o *options) {
		o.notFound = p
	}
}

// Dispatcher owns the pending queue and the in-progress set for one cache.
// All of its queue state is guarded by a single mutex so that recomputation,
// dequeue and in-progress bookkeeping happen atomically.
type Dispatcher[K comparable, V any] struct {
	store    *cache.Store[K, V]
	planner  Planner[K]
	fetch    FetchFunc[K, V]
	notFound NotFoundPolicy
	notifier *Notifier[K]
	logger   *zap.Logger

	mu         sync.Mutex
	info       tile.FetchInfo
	hasInfo    bool
	dirty      bool
	pending    []K
	queued     map[K]struct{}
	inProgress map[K]struct{}
	busy       bool
	idle       chan struct{}
	idleClosed bool

	publishMu     sync.Mutex
	publishedBusy bool

	recomputations atomic.Int64
	restarts       atomic.Int64
}

// NewDispatcher creates a dispatcher that fills store using fetch for the keys
// planner asks for.
func NewDispatcher[K comparable, V any](store *cache.Store[K, V], planner Planner[K], fetch FetchFunc[K, V], opts ...Option) *Dispatcher[K, V] {
	o := options{logger: zap.NewNop(), notFound: NotFoundCache}
	for _, opt := range opts {
		opt(&o)
	}
	idle := make(chan struct{})
	close(idle)

	return &Dispatcher[K, V]{
		store:      store,
		planner:    planner,
		fetch:      fetch,
		notFound:   o.notFound,
		notifier:   NewNotifier[K](),
		logger:     o.logger,
		queued:     make(map[K]struct{}),
		inProgress: make(map[K]struct{}),
		idle:       idle,
		idleClosed: true,
	}
}

func (d *Dispatcher[K, V]) Notifier() *Notifier[K] { return d.notifier }

func (d *Dispatcher[K, V]) Store() *cache.Store[K, V] { return d.store }

// SetViewport records the new region of interest. The desired keys are
// recomputed lazily by the next TryTake, so repeated calls are cheap.
func (d *Dispatcher[K, V]) SetViewport(info tile.FetchInfo) {
	d.mu.Lock()
	d.info = info
	d.hasInfo = true
	d.dirty = true
	d.updateIdleLocked()
	d.mu.Unlock()
}

// Viewport returns the last region of interest passed to SetViewport.
func (d *Dispatcher[K, V]) Viewport() (tile.FetchInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info, d.hasInfo
}

// TryTake hands out the next key to fetch, recomputing the queue first if the
// viewport changed. It returns false when there is nothing left to schedule.
func (d *Dispatcher[K, V]) TryTake() (Work[K], bool) {
	d.mu.Lock()
	if d.dirty {
		d.recomputeLocked()
	}

	if len(d.pending) == 0 {
		d.busy = len(d.inProgress) > 0
		d.updateIdleLocked()
		d.mu.Unlock()
		d.publishBusy()
		return Work[K]{}, false
	}

	var zero K
	key := d.pending[0]
	d.pending[0] = zero
	d.pending = d.pending[1:]
	delete(d.queued, key)

	if _, ok := d.inProgress[key]; ok {
		d.mu.Unlock()
		panic(fmt.Sprintf("fetch: key %v is both pending and in progress", key))
	}
	d.inProgress[key] = struct{}{}
	d.busy = true
	d.updateIdleLocked()
	d.mu.Unlock()
	d.publishBusy()

	return Work[K]{Key: key, run: func(ctx context.Context) { d.execute(ctx, key) }}, true
}

// recomputeLocked replaces the pending queue with the planned keys that are
// neither cached nor being fetched.
func (d *Dispatcher[K, V]) recomputeLocked() {
	d.dirty = false
	d.recomputations.Add(1)

	keys := d.planner.Plan(d.info)
	pending := make([]K, 0, len(keys))
	queued := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := queued[k]; ok {
			continue
		}
		if _, ok := d.inProgress[k]; ok {
			continue
		}
		if d.store.Contains(k) {
			continue
		}
		queued[k] = struct{}{}
		pending = append(pending, k)
	}
	d.pending = pending
	d.queued = queued
	d.busy = len(d.pending) > 0 || len(d.inProgress) > 0

	d.logger.Debug("Recomputed fetch queue",
		zap.Int("planned", len(keys)),
		zap.Int("pending", len(pending)),
		zap.Int("in_progress", len(d.inProgress)),
	)
}

func (d *Dispatcher[K, V]) execute(ctx context.Context, key K) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fetch %v panicked: %v", key, r)
			}
		}()
		_, err = d.store.GetOrCreate(key, func(k K) (V, error) {
			return d.fetch(ctx, k)
		}, d.store.Iteration())
	}()
	d.complete(key, err)
}

// complete applies the outcome of one fetch and then notifies listeners.
func (d *Dispatcher[K, V]) complete(key K, err error) {
	notify, missing := true, false
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrClosed):
		notify = false
		d.logger.Debug("Dropped fetch result for closed cache", zap.Any("key", key))
	case errors.Is(err, ErrNotFound) && d.notFound == NotFoundCache:
		if _, aerr := d.store.AddMissing(key); aerr != nil {
			notify = false
		}
		err, missing = nil, true
	default:
		d.logger.Debug("Fetch failed", zap.Any("key", key), zap.Error(err))
	}

	d.mu.Lock()
	delete(d.inProgress, key)
	d.busy = len(d.pending) > 0 || len(d.inProgress) > 0
	major := !d.busy && !d.dirty
	d.updateIdleLocked()
	d.mu.Unlock()

	if notify {
		d.notifier.publishData(DataChanged[K]{Key: key, Err: err, Missing: missing, Major: major})
	}
	d.publishBusy()
}

// publishBusy announces the current busy state if it differs from the last
// one announced. Serialised so listeners always end up seeing the latest state.
func (d *Dispatcher[K, V]) publishBusy() {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	busy := d.Busy()
	if busy == d.publishedBusy {
		return
	}
	d.publishedBusy = busy
	d.notifier.publishBusy(busy)
}

// updateIdleLocked keeps the idle channel closed exactly while there is no
// unprocessed viewport change and no outstanding work.
func (d *Dispatcher[K, V]) updateIdleLocked() {
	active := d.dirty || d.busy
	switch {
	case active && d.idleClosed:
		d.idle = make(chan struct{})
		d.idleClosed = false
	case !active && !d.idleClosed:
		close(d.idle)
		d.idleClosed = true
	}
}

// Busy reports whether fetches are pending or in flight.
func (d *Dispatcher[K, V]) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// Ready reports whether TryTake could hand out work right now.
func (d *Dispatcher[K, V]) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty || len(d.pending) > 0
}

// WaitIdle blocks until every viewport change has been processed and all
// resulting fetches finished. Workers must be running for that to happen.
func (d *Dispatcher[K, V]) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher[K, V]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher[K, V]) InProgress() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inProgress)
}

// Recomputations counts how often the pending queue was rebuilt.
func (d *Dispatcher[K, V]) Recomputations() int64 {
	return d.recomputations.Load()
}

// Restarts counts how often a stopped worker of this dispatcher was started
// again.
func (d *Dispatcher[K, V]) Restarts() int64 {
	return d.restarts.Load()
}

func (d *Dispatcher[K, V]) recordRestart() {
	d.restarts.Add(1)
}
