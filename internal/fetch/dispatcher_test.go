package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tilefetch/internal/cache"
	"tilefetch/internal/tile"
)

type keysPlanner[K comparable] struct {
	mu   sync.Mutex
	keys []K
}

func newKeysPlanner[K comparable](keys ...K) *keysPlanner[K] {
	return &keysPlanner[K]{keys: keys}
}

func (p *keysPlanner[K]) Plan(tile.FetchInfo) []K {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]K(nil), p.keys...)
}

func (p *keysPlanner[K]) set(keys ...K) {
	p.mu.Lock()
	p.keys = keys
	p.mu.Unlock()
}

func viewport(n int) tile.FetchInfo {
	return tile.FetchInfo{
		Extent:     tile.Extent{MaxX: 100, MaxY: 100},
		Resolution: float64(n),
		CRS:        tile.CRSPixel,
	}
}

func echoFetch(_ context.Context, key string) (string, error) {
	return "value-" + key, nil
}

func newTestDispatcher(t *testing.T, planner Planner[string], fetch FetchFunc[string, string], opts ...Option) *Dispatcher[string, string] {
	t.Helper()
	store := cache.New[string, string](cache.WithMinimumKeep(1000))
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewDispatcher(store, planner, fetch, opts...)
}

func takeAll[K comparable](d interface{ TryTake() (Work[K], bool) }) []Work[K] {
	var out []Work[K]
	for {
		w, ok := d.TryTake()
		if !ok {
			return out
		}
		out = append(out, w)
	}
}

func TestDispatcher_TryTakeHandsOutEachKeyOnce(t *testing.T) {
	d := newTestDispatcher(t, newKeysPlanner("a", "b", "a", "c"), echoFetch)

	_, ok := d.TryTake()
	assert.False(t, ok, "nothing to do before a viewport is set")

	d.SetViewport(viewport(1))
	work := takeAll[string](d)
	require.Len(t, work, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{work[0].Key, work[1].Key, work[2].Key})
	assert.True(t, d.Busy())
	assert.Equal(t, 3, d.InProgress())
	assert.Equal(t, 0, d.Pending())

	for _, w := range work {
		w.Run(context.Background())
	}
	assert.False(t, d.Busy())
	assert.Equal(t, 0, d.InProgress())

	e, ok := d.Store().Peek("b")
	require.True(t, ok)
	assert.Equal(t, "value-b", e.Value())
}

func TestDispatcher_SetViewportIsLazyAndIdempotent(t *testing.T) {
	d := newTestDispatcher(t, newKeysPlanner("a"), echoFetch)

	d.SetViewport(viewport(1))
	d.SetViewport(viewport(1))
	assert.Equal(t, int64(0), d.Recomputations())
	assert.True(t, d.Ready())

	w, ok := d.TryTake()
	require.True(t, ok)
	assert.Equal(t, "a", w.Key)
	_, ok = d.TryTake()
	assert.False(t, ok)
	assert.Equal(t, int64(1), d.Recomputations())

	info, ok := d.Viewport()
	require.True(t, ok)
	assert.Equal(t, viewport(1), info)
}

func TestDispatcher_ConcurrentTryTakeOnSingleKey(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := newTestDispatcher(t, newKeysPlanner("only"), echoFetch)
		d.SetViewport(viewport(1))

		var got atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok := d.TryTake(); ok {
					got.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), got.Load())
	}
}

func TestDispatcher_NoDuplicateWork(t *testing.T) {
	keys := make([]int, 30)
	for i := range keys {
		keys[i] = i
	}
	planner := newKeysPlanner(keys...)

	var mu sync.Mutex
	active := map[int]bool{}
	var duplicates atomic.Int32
	fetch := func(_ context.Context, k int) (int, error) {
		mu.Lock()
		if active[k] {
			duplicates.Add(1)
		}
		active[k] = true
		mu.Unlock()

		time.Sleep(time.Duration(rand.IntN(50)) * time.Microsecond)

		mu.Lock()
		delete(active, k)
		mu.Unlock()
		if rand.IntN(3) == 0 {
			return 0, errors.New("flaky")
		}
		return k, nil
	}

	store := cache.New[int, int](cache.WithMinimumKeep(0), cache.WithMultiplier(1))
	d := NewDispatcher[int, int](store, planner, fetch)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				if i%7 == g%7 {
					d.SetViewport(viewport(i))
				}
				if w, ok := d.TryTake(); ok {
					w.Run(context.Background())
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for it := int64(1); it <= 100; it++ {
			store.UpdateCache(it)
			time.Sleep(50 * time.Microsecond)
		}
	}()
	wg.Wait()

	assert.Zero(t, duplicates.Load())
	for _, w := range takeAll[int](d) {
		w.Run(context.Background())
	}
	assert.Equal(t, 0, d.InProgress())
}

func TestDispatcher_EventualCompletion(t *testing.T) {
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprint(i)
	}
	d := newTestDispatcher(t, newKeysPlanner(keys...), func(_ context.Context, key string) (string, error) {
		time.Sleep(time.Millisecond)
		return key + key, nil
	})

	var busyStates []bool
	var busyMu sync.Mutex
	d.Notifier().OnBusyChanged(func(busy bool) {
		busyMu.Lock()
		busyStates = append(busyStates, busy)
		busyMu.Unlock()
	})

	m := NewMachine(context.Background(), d, 4, zaptest.NewLogger(t))
	m.SetViewport(viewport(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx))
	require.NoError(t, m.Wait(ctx))

	assert.False(t, d.Busy())
	assert.Equal(t, 0, m.Running())
	for _, k := range keys {
		e, ok := d.Store().Peek(k)
		require.True(t, ok, "key %s", k)
		assert.Equal(t, k+k, e.Value())
	}

	busyMu.Lock()
	defer busyMu.Unlock()
	require.NotEmpty(t, busyStates)
	assert.True(t, busyStates[0])
	assert.False(t, busyStates[len(busyStates)-1])
}

func TestDispatcher_FailedFetchIsRetriedOnNextViewport(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	boom := errors.New("connection reset")
	d := newTestDispatcher(t, newKeysPlanner("k"), func(_ context.Context, key string) (string, error) {
		if fail.Load() {
			return "", boom
		}
		return "ok", nil
	})

	var events []DataChanged[string]
	d.Notifier().OnDataChanged(func(ev DataChanged[string]) { events = append(events, ev) })

	d.SetViewport(viewport(1))
	w, ok := d.TryTake()
	require.True(t, ok)
	w.Run(context.Background())

	require.Len(t, events, 1)
	assert.Equal(t, "k", events[0].Key)
	assert.ErrorIs(t, events[0].Err, boom)
	assert.True(t, events[0].Major)
	assert.False(t, d.Store().Contains("k"))
	assert.Equal(t, 0, d.InProgress())
	assert.False(t, d.Busy())

	_, ok = d.TryTake()
	assert.False(t, ok, "a failed key waits for the next viewport change")

	fail.Store(false)
	d.SetViewport(viewport(1))
	w, ok = d.TryTake()
	require.True(t, ok)
	assert.Equal(t, "k", w.Key)
	w.Run(context.Background())

	require.Len(t, events, 2)
	assert.NoError(t, events[1].Err)
	assert.True(t, d.Store().Contains("k"))
}

func TestDispatcher_NotFoundPolicies(t *testing.T) {
	notFound := func(_ context.Context, key string) (string, error) {
		return "", fmt.Errorf("tile %s: %w", key, ErrNotFound)
	}

	t.Run("cache", func(t *testing.T) {
		d := newTestDispatcher(t, newKeysPlanner("k"), notFound, WithNotFoundPolicy(NotFoundCache))
		var events []DataChanged[string]
		d.Notifier().OnDataChanged(func(ev DataChanged[string]) { events = append(events, ev) })

		d.SetViewport(viewport(1))
		w, ok := d.TryTake()
		require.True(t, ok)
		w.Run(context.Background())

		require.Len(t, events, 1)
		assert.NoError(t, events[0].Err)
		assert.True(t, events[0].Missing)
		e, ok := d.Store().Peek("k")
		require.True(t, ok)
		assert.True(t, e.Missing())

		d.SetViewport(viewport(2))
		_, ok = d.TryTake()
		assert.False(t, ok, "negative entries are not fetched again")
	})

	t.Run("retry", func(t *testing.T) {
		d := newTestDispatcher(t, newKeysPlanner("k"), notFound, WithNotFoundPolicy(NotFoundRetry))
		var events []DataChanged[string]
		d.Notifier().OnDataChanged(func(ev DataChanged[string]) { events = append(events, ev) })

		d.SetViewport(viewport(1))
		w, ok := d.TryTake()
		require.True(t, ok)
		w.Run(context.Background())

		require.Len(t, events, 1)
		assert.ErrorIs(t, events[0].Err, ErrNotFound)
		assert.False(t, events[0].Missing)
		assert.False(t, d.Store().Contains("k"))

		d.SetViewport(viewport(2))
		w, ok = d.TryTake()
		require.True(t, ok)
		assert.Equal(t, "k", w.Key)
	})
}

func TestDispatcher_PanickingFetchIsReportedAsFailure(t *testing.T) {
	d := newTestDispatcher(t, newKeysPlanner("k"), func(context.Context, string) (string, error) {
		panic("decoder exploded")
	})
	var got error
	d.Notifier().OnDataChanged(func(ev DataChanged[string]) { got = ev.Err })

	d.SetViewport(viewport(1))
	w, ok := d.TryTake()
	require.True(t, ok)
	assert.NotPanics(t, func() { w.Run(context.Background()) })
	require.Error(t, got)
	assert.Contains(t, got.Error(), "decoder exploded")
	assert.Equal(t, 0, d.InProgress())
}

func TestDispatcher_InProgressKeysAreNotRequeued(t *testing.T) {
	planner := newKeysPlanner("a", "b")
	d := newTestDispatcher(t, planner, echoFetch)

	d.SetViewport(viewport(1))
	first, ok := d.TryTake()
	require.True(t, ok)
	require.Equal(t, "a", first.Key)

	// A new viewport no longer needs "a"; its fetch is still allowed to finish.
	planner.set("a", "c")
	d.SetViewport(viewport(2))
	rest := takeAll[string](d)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].Key)

	planner.set("x")
	d.SetViewport(viewport(3))
	_, _ = d.TryTake()

	first.Run(context.Background())
	assert.True(t, d.Store().Contains("a"), "results for stale viewports are still cached")
	assert.Equal(t, 2, d.InProgress(), "c and x are still out")
}

func TestDispatcher_ClosedStoreDropsResults(t *testing.T) {
	d := newTestDispatcher(t, newKeysPlanner("k"), echoFetch)
	var events atomic.Int32
	d.Notifier().OnDataChanged(func(DataChanged[string]) { events.Add(1) })

	d.SetViewport(viewport(1))
	w, ok := d.TryTake()
	require.True(t, ok)

	require.NoError(t, d.Store().Close())
	w.Run(context.Background())

	assert.Zero(t, events.Load())
	assert.Equal(t, 0, d.Store().Len())
	assert.Equal(t, 0, d.InProgress())
	assert.False(t, d.Busy())
}

func TestDispatcher_SubscribeReceivesEvents(t *testing.T) {
	d := newTestDispatcher(t, newKeysPlanner("a", "b"), echoFetch)
	events, cancel := d.Notifier().Subscribe()

	d.SetViewport(viewport(1))
	for _, w := range takeAll[string](d) {
		w.Run(context.Background())
	}
	cancel()

	var keys []string
	var major []bool
	for ev := range events {
		keys = append(keys, ev.Key)
		major = append(major, ev.Major)
	}
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []bool{false, true}, major)
}

func TestDispatcher_ListenersMayRegisterFromCallbacks(t *testing.T) {
	d := newTestDispatcher(t, newKeysPlanner("a", "b"), echoFetch)
	n := d.Notifier()

	var late atomic.Int32
	subscribed := make(chan (<-chan DataChanged[string]), 1)
	var once sync.Once
	n.OnDataChanged(func(DataChanged[string]) {
		once.Do(func() {
			n.OnDataChanged(func(DataChanged[string]) { late.Add(1) })
			ch, cancel := n.Subscribe()
			t.Cleanup(cancel)
			subscribed <- ch
		})
	})
	n.OnBusyChanged(func(bool) {
		n.OnBusyChanged(func(bool) {})
	})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		d.SetViewport(viewport(1))
		for _, w := range takeAll[string](d) {
			w.Run(context.Background())
		}
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing deadlocked on a listener registering another")
	}

	assert.Equal(t, int32(1), late.Load(), "registered during a publish, sees the next one")
	ev := <-<-subscribed
	assert.Equal(t, "b", ev.Key)
}

func TestDispatcher_WaitIdleHonoursContext(t *testing.T) {
	d := newTestDispatcher(t, newKeysPlanner("a"), echoFetch)
	require.NoError(t, d.WaitIdle(context.Background()))

	d.SetViewport(viewport(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestParseNotFoundPolicy(t *testing.T) {
	p, err := ParseNotFoundPolicy("retry")
	require.NoError(t, err)
	assert.Equal(t, NotFoundRetry, p)

	p, err = ParseNotFoundPolicy("")
	require.NoError(t, err)
	assert.Equal(t, NotFoundCache, p)
	assert.Equal(t, "cache", p.String())

	_, err = ParseNotFoundPolicy("forever")
	assert.Error(t, err)
}
