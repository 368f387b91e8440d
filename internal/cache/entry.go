package cache

import (
	"io"
	"sync/atomic"
)

// Releaser is implemented by cached values that hold resources which must be
// freed when the value leaves the cache. Values implementing io.Closer are
// closed instead.
type Releaser interface {
	Release()
}

// Entry is one cached value together with the iteration in which it was last
// used. A missing entry records that the source has no data for its key.
type Entry[V any] struct {
	value    V
	missing  bool
	seq      uint64
	lastUsed atomic.Int64
	released atomic.Bool
}

func newEntry[V any](value V, missing bool, seq uint64, iteration int64) *Entry[V] {
	e := &Entry[V]{value: value, missing: missing, seq: seq}
	e.lastUsed.Store(iteration)
	return e
}

func (e *Entry[V]) Value() V { return e.value }

// Missing reports whether the entry is a negative result.
func (e *Entry[V]) Missing() bool { return e.missing }

// LastUsed returns the iteration stamp of the last access.
func (e *Entry[V]) LastUsed() int64 { return e.lastUsed.Load() }

// touch raises the stamp to iteration. Stamps never move backwards, so a late
// reader of an old iteration cannot make an entry look older than it is.
func (e *Entry[V]) touch(iteration int64) {
	for {
		cur := e.lastUsed.Load()
		if iteration <= cur || e.lastUsed.CompareAndSwap(cur, iteration) {
			return
		}
	}
}

// release frees the value. Only the first call has an effect, and negative
// entries own nothing to free.
func (e *Entry[V]) release() error {
	if !e.released.CompareAndSwap(false, true) || e.missing {
		return nil
	}
	switch v := any(e.value).(type) {
	case io.Closer:
		return v.Close()
	case Releaser:
		v.Release()
	}
	return nil
}
