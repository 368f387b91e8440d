// Package cache implements the tile store shared by fetch workers and
// renderers. Entries are stamped with the render iteration that last used
// them; UpdateCache keeps a multiple of the last iteration's working set and
// evicts the rest, oldest first.
package cache

import (
	"errors"
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("cache closed")

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]*Entry[V]
}

// Store is a bounded key/entry store safe for concurrent use. Lookups and
// inserts for keys in different shards never contend, and factories run
// without any lock held.
type Store[K comparable, V any] struct {
	shards []*shard[K, V]
	seed   maphash.Seed
	cfg    config

	seq       atomic.Uint64
	iteration atomic.Int64
	closed    atomic.Bool

	evictMu       sync.Mutex
	lastIteration int64
}

// New creates an empty store.
func New[K comparable, V any](opts ...Option) *Store[K, V] {
	cfg := getConfig(opts)
	s := &Store[K, V]{
		shards: make([]*shard[K, V], cfg.shards),
		seed:   maphash.MakeSeed(),
		cfg:    cfg,
	}
	for i := range s.shards {
		s.shards[i] = &shard[K, V]{items: make(map[K]*Entry[V])}
	}
	return s
}

func (s *Store[K, V]) shardFor(key K) *shard[K, V] {
	return s.shards[maphash.Comparable(s.seed, key)%uint64(len(s.shards))]
}

// Iteration returns the iteration passed to the last effective UpdateCache.
func (s *Store[K, V]) Iteration() int64 {
	return s.iteration.Load()
}

// GetOrCreate returns the entry for key, touching it with iteration. On a miss
// factory builds the value; an error from factory is returned as is and no
// entry is created. If another caller stored the key while factory ran, the
// value built here is released and the stored entry wins.
func (s *Store[K, V]) GetOrCreate(key K, factory func(K) (V, error), iteration int64) (*Entry[V], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.items[key]
	sh.mu.RUnlock()
	if ok {
		e.touch(iteration)
		return e, nil
	}

	value, err := factory(key)
	if err != nil {
		return nil, err
	}
	e, _, err = s.insert(key, newEntry(value, false, s.seq.Add(1), iteration))
	return e, err
}

// Add stores value under key stamped with the current iteration. It reports
// false and releases value when key is already present.
func (s *Store[K, V]) Add(key K, value V) (bool, error) {
	_, added, err := s.insert(key, newEntry(value, false, s.seq.Add(1), s.Iteration()))
	return added, err
}

// AddMissing stores a negative entry for key.
func (s *Store[K, V]) AddMissing(key K) (bool, error) {
	var zero V
	_, added, err := s.insert(key, newEntry(zero, true, s.seq.Add(1), s.Iteration()))
	return added, err
}

func (s *Store[K, V]) insert(key K, e *Entry[V]) (*Entry[V], bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	// Checked under the shard lock so that Close either sees this entry when
	// it clears the shard or we see the closed flag here.
	if s.closed.Load() {
		sh.mu.Unlock()
		s.releaseEntry(e)
		return nil, false, ErrClosed
	}
	if existing, ok := sh.items[key]; ok {
		sh.mu.Unlock()
		existing.touch(e.LastUsed())
		s.releaseEntry(e)
		return existing, false, nil
	}
	sh.items[key] = e
	sh.mu.Unlock()
	return e, true, nil
}

// Get returns the entry for key and touches it with the current iteration.
func (s *Store[K, V]) Get(key K) (*Entry[V], bool) {
	e, ok := s.Peek(key)
	if ok {
		e.touch(s.Iteration())
	}
	return e, ok
}

// Peek returns the entry for key without touching it.
func (s *Store[K, V]) Peek(key K) (*Entry[V], bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.items[key]
	sh.mu.RUnlock()
	return e, ok
}

func (s *Store[K, V]) Contains(key K) bool {
	_, ok := s.Peek(key)
	return ok
}

// Remove deletes key and releases its value.
func (s *Store[K, V]) Remove(key K) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.items[key]
	if ok {
		delete(sh.items, key)
	}
	sh.mu.Unlock()
	if ok {
		s.releaseEntry(e)
	}
	return ok
}

func (s *Store[K, V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store[K, V]) Keys() []K {
	var keys []K
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.items {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	return keys
}

type candidate[K comparable, V any] struct {
	key   K
	entry *Entry[V]
	stamp int64
}

// UpdateCache starts a new iteration. Calls with a non-positive iteration or
// the iteration already recorded are ignored. The number of entries used in
// the previously recorded iteration sets the budget
// max(minimumKeep, multiplier*used); entries beyond it are evicted, least
// recently used first. It returns the number of evicted entries.
func (s *Store[K, V]) UpdateCache(iteration int64) int {
	if iteration <= 0 {
		return 0
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	previous := s.lastIteration
	if iteration == previous {
		return 0
	}
	s.lastIteration = iteration
	s.iteration.Store(iteration)

	var candidates []candidate[K, V]
	used := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.items {
			stamp := e.LastUsed()
			if stamp == previous {
				used++
			}
			candidates = append(candidates, candidate[K, V]{key: k, entry: e, stamp: stamp})
		}
		sh.mu.RUnlock()
	}

	keep := max(s.cfg.minimumKeep, s.cfg.multiplier*used)
	if len(candidates) <= keep {
		return 0
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].stamp != candidates[j].stamp {
			return candidates[i].stamp < candidates[j].stamp
		}
		return candidates[i].entry.seq < candidates[j].entry.seq
	})

	evicted := 0
	for _, c := range candidates[:len(candidates)-keep] {
		if s.evict(c) {
			evicted++
		}
	}

	s.cfg.logger.Debug("Cache updated",
		zap.Int64("iteration", iteration),
		zap.Int("used", used),
		zap.Int("keep", keep),
		zap.Int("evicted", evicted),
	)
	return evicted
}

// evict removes c if it is still the stored entry and has not been used since
// the snapshot was taken.
func (s *Store[K, V]) evict(c candidate[K, V]) bool {
	sh := s.shardFor(c.key)
	sh.mu.Lock()
	e, ok := sh.items[c.key]
	if !ok || e != c.entry || e.LastUsed() != c.stamp {
		sh.mu.Unlock()
		return false
	}
	delete(sh.items, c.key)
	sh.mu.Unlock()

	if s.cfg.onEvict != nil {
		s.cfg.onEvict(c.key)
	}
	s.releaseEntry(e)
	return true
}

// Clear removes and releases every entry. Keys leave the store before their
// values are released.
func (s *Store[K, V]) Clear() error {
	var err error
	for _, sh := range s.shards {
		sh.mu.Lock()
		items := sh.items
		sh.items = make(map[K]*Entry[V])
		sh.mu.Unlock()

		for _, e := range items {
			err = multierr.Append(err, e.release())
		}
	}
	return err
}

// Close clears the store and makes every later insert fail with ErrClosed.
func (s *Store[K, V]) Close() error {
	s.closed.Store(true)
	return s.Clear()
}

func (s *Store[K, V]) Closed() bool {
	return s.closed.Load()
}

func (s *Store[K, V]) releaseEntry(e *Entry[V]) {
	if err := e.release(); err != nil {
		s.cfg.logger.Warn("Failed to release cached value", zap.Error(err))
	}
}
