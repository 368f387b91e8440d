package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

type releasable struct {
	name     string
	released atomic.Int32
}

func (r *releasable) Release() { r.released.Add(1) }

type failingCloser struct{ err error }

func (c failingCloser) Close() error { return c.err }

func valueFactory(v *releasable) func(string) (*releasable, error) {
	return func(string) (*releasable, error) { return v, nil }
}

func TestStore_GetOrCreate(t *testing.T) {
	s := New[string, *releasable](WithLogger(zaptest.NewLogger(t)))

	calls := 0
	factory := func(key string) (*releasable, error) {
		calls++
		return &releasable{name: key}, nil
	}

	e, err := s.GetOrCreate("a", factory, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Value().name)
	assert.Equal(t, int64(1), e.LastUsed())

	again, err := s.GetOrCreate("a", factory, 3)
	require.NoError(t, err)
	assert.Same(t, e, again)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(3), e.LastUsed())

	_, err = s.GetOrCreate("a", factory, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.LastUsed(), "stamps never move backwards")
}

func TestStore_GetOrCreateFactoryError(t *testing.T) {
	s := New[string, int]()
	boom := errors.New("boom")

	_, err := s.GetOrCreate("k", func(string) (int, error) { return 0, boom }, 1)
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Contains("k"))
	assert.Equal(t, 0, s.Len())
}

func TestStore_UpdateCacheEvictsLeastRecentlyUsed(t *testing.T) {
	s := New[string, *releasable](WithMinimumKeep(2), WithMultiplier(1))

	values := map[string]*releasable{}
	for _, k := range []string{"A", "B", "C", "D"} {
		values[k] = &releasable{name: k}
		_, err := s.GetOrCreate(k, valueFactory(values[k]), 1)
		require.NoError(t, err)
	}
	for _, k := range []string{"A", "B"} {
		_, err := s.GetOrCreate(k, valueFactory(nil), 2)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.UpdateCache(2))

	assert.ElementsMatch(t, []string{"A", "B"}, s.Keys())
	assert.Equal(t, int32(0), values["A"].released.Load())
	assert.Equal(t, int32(0), values["B"].released.Load())
	assert.Equal(t, int32(1), values["C"].released.Load())
	assert.Equal(t, int32(1), values["D"].released.Load())
	assert.Equal(t, int64(2), s.Iteration())
}

func TestStore_UpdateCacheIgnoresStaleIterations(t *testing.T) {
	s := New[int, int](WithMinimumKeep(0), WithMultiplier(1))
	for i := 0; i < 5; i++ {
		_, err := s.Add(i, i)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, s.UpdateCache(0))
	assert.Equal(t, 0, s.UpdateCache(-3))
	assert.Equal(t, 5, s.Len())

	// All five were stamped with iteration 0, which is the one being closed.
	assert.Equal(t, 0, s.UpdateCache(1))
	// None of them were used in iteration 1.
	assert.Equal(t, 5, s.UpdateCache(2))
	assert.Equal(t, 0, s.UpdateCache(2))
}

func TestStore_EvictionBound(t *testing.T) {
	const minimumKeep, multiplier = 5, 2
	s := New[string, int](WithMinimumKeep(minimumKeep), WithMultiplier(multiplier))

	next := 0
	for iteration := int64(1); iteration <= 20; iteration++ {
		for i := 0; i < 7; i++ {
			_, err := s.GetOrCreate(fmt.Sprintf("k%d", next), func(string) (int, error) { return next, nil }, iteration)
			require.NoError(t, err)
			next++
		}
		// Re-use a couple of older keys when they are still around.
		for _, k := range []string{fmt.Sprintf("k%d", next-9), fmt.Sprintf("k%d", next-12)} {
			if e, ok := s.Peek(k); ok {
				_, err := s.GetOrCreate(k, nil, iteration)
				require.NoError(t, err)
				assert.Equal(t, iteration, e.LastUsed())
			}
		}

		used := 0
		for _, k := range s.Keys() {
			e, _ := s.Peek(k)
			if e.LastUsed() == iteration {
				used++
			}
		}

		s.UpdateCache(iteration + 1)
		assert.LessOrEqual(t, s.Len(), max(minimumKeep, multiplier*used), "iteration %d", iteration)
	}
}

func TestStore_ReleaseExactlyOnceUnderConcurrentEvictionAndClose(t *testing.T) {
	s := New[int, *releasable](WithMinimumKeep(0), WithMultiplier(1), WithShards(4))

	values := make([]*releasable, 2000)
	for i := range values {
		values[i] = &releasable{name: fmt.Sprint(i)}
		added, err := s.Add(i, values[i])
		require.NoError(t, err)
		require.True(t, added)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(it int64) {
			defer wg.Done()
			<-start
			s.UpdateCache(it)
		}(int64(i + 1))
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < len(values); i += 3 {
			s.Remove(i)
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		assert.NoError(t, s.Close())
	}()
	close(start)
	wg.Wait()

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Len())
	for i, v := range values {
		assert.Equal(t, int32(1), v.released.Load(), "value %d", i)
	}
}

func TestStore_ConcurrentCreateOfSameKeyKeepsOneValue(t *testing.T) {
	s := New[string, *releasable]()

	var entered sync.WaitGroup
	entered.Add(2)
	gate := make(chan struct{})
	results := make([]*Entry[*releasable], 2)
	created := make([]*releasable, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.GetOrCreate("k", func(string) (*releasable, error) {
				entered.Done()
				<-gate
				created[i] = &releasable{name: fmt.Sprint(i)}
				return created[i], nil
			}, 1)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}
	entered.Wait()
	close(gate)
	wg.Wait()

	require.Same(t, results[0], results[1])
	assert.Equal(t, int32(1), created[0].released.Load()+created[1].released.Load())
	assert.Equal(t, int32(0), results[0].Value().released.Load())
	assert.Equal(t, 1, s.Len())
}

func TestStore_DistinctKeysDoNotBlock(t *testing.T) {
	s := New[string, int]()

	blocked := make(chan struct{})
	inFactory := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.GetOrCreate("slow", func(string) (int, error) {
			close(inFactory)
			<-blocked
			return 1, nil
		}, 1)
		assert.NoError(t, err)
	}()
	<-inFactory

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, err := s.GetOrCreate("fast", func(string) (int, error) { return 2, nil }, 1)
		assert.NoError(t, err)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("GetOrCreate for a different key blocked behind a running factory")
	}
	close(blocked)
	<-done
	assert.Equal(t, 2, s.Len())
}

func TestStore_ClosedRejectsInserts(t *testing.T) {
	s := New[string, *releasable]()

	inFactory := make(chan struct{})
	proceed := make(chan struct{})
	late := &releasable{name: "late"}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetOrCreate("k", func(string) (*releasable, error) {
			close(inFactory)
			<-proceed
			return late, nil
		}, 1)
		errCh <- err
	}()
	<-inFactory
	require.NoError(t, s.Close())
	close(proceed)

	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.Equal(t, int32(1), late.released.Load())
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Closed())

	called := false
	_, err := s.GetOrCreate("x", func(string) (*releasable, error) { called = true; return nil, nil }, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, called)

	_, err = s.Add("y", &releasable{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_ClearAggregatesCloseErrors(t *testing.T) {
	s := New[int, failingCloser]()
	for i := 0; i < 3; i++ {
		_, err := s.Add(i, failingCloser{err: fmt.Errorf("close %d", i)})
		require.NoError(t, err)
	}
	_, err := s.Add(3, failingCloser{})
	require.NoError(t, err)

	err = s.Clear()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Equal(t, 0, s.Len())
}

func TestStore_AddAndMissing(t *testing.T) {
	var evicted []any
	s := New[string, *releasable](WithMinimumKeep(0), WithOnEvict(func(key any) { evicted = append(evicted, key) }))

	v := &releasable{}
	added, err := s.Add("k", v)
	require.NoError(t, err)
	assert.True(t, added)

	dup := &releasable{}
	added, err = s.Add("k", dup)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, int32(1), dup.released.Load())

	added, err = s.AddMissing("gone")
	require.NoError(t, err)
	assert.True(t, added)
	e, ok := s.Get("gone")
	require.True(t, ok)
	assert.True(t, e.Missing())
	assert.Nil(t, e.Value())

	e, ok = s.Get("k")
	require.True(t, ok)
	assert.False(t, e.Missing())

	assert.True(t, s.Remove("k"))
	assert.False(t, s.Remove("k"))
	assert.Equal(t, int32(1), v.released.Load())

	assert.Equal(t, 0, s.UpdateCache(1))
	assert.Equal(t, 1, s.UpdateCache(2))
	assert.Equal(t, []any{"gone"}, evicted)
}

type fileHandle struct{ closed int }

func (f *fileHandle) Close() error {
	f.closed++
	return nil
}

func TestStore_MissingEntriesReleaseNothing(t *testing.T) {
	s := New[string, *fileHandle](WithMinimumKeep(0), WithMultiplier(1), WithLogger(zaptest.NewLogger(t)))

	h := &fileHandle{}
	_, err := s.Add("present", h)
	require.NoError(t, err)
	for _, k := range []string{"gone", "absent", "void"} {
		_, err := s.AddMissing(k)
		require.NoError(t, err)
	}
	added, err := s.AddMissing("void")
	require.NoError(t, err)
	assert.False(t, added)

	assert.True(t, s.Remove("gone"))
	assert.Equal(t, 0, s.UpdateCache(1))
	_, ok := s.Get("present")
	require.True(t, ok)
	assert.Equal(t, 2, s.UpdateCache(2))
	assert.Equal(t, []string{"present"}, s.Keys())
	assert.Equal(t, 0, h.closed)

	_, err = s.AddMissing("late")
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, h.closed)
}
