package fetch

import (
	"sync"

	"github.com/gammazero/channelqueue"
)

// DataChanged reports that fetching Key finished. Err is nil when the cache
// now holds an entry for Key; Missing tells whether that entry is negative.
// Major is set when the dispatcher had no pending or in-flight work left
// after this completion.
type DataChanged[K comparable] struct {
	Key     K
	Err     error
	Missing bool
	Major   bool
}

// Notifier fans dispatcher events out to listeners and subscribers. Listener
// functions run synchronously on the goroutine that completed the fetch and
// must not block. They may register further listeners or subscribe; those
// see events from the next publish on. Subscribers get an unbounded queue they drain themselves.
type Notifier[K comparable] struct {
	mu     sync.RWMutex
	data   []func(DataChanged[K])
	busy   []func(bool)
	queues map[*channelqueue.ChannelQueue[DataChanged[K]]]struct{}
}

func NewNotifier[K comparable]() *Notifier[K] {
	return &Notifier[K]{
		queues: make(map[*channelqueue.ChannelQueue[DataChanged[K]]]struct{}),
	}
}

func (n *Notifier[K]) OnDataChanged(fn func(DataChanged[K])) {
	n.mu.Lock()
	n.data = append(n.data, fn)
	n.mu.Unlock()
}

func (n *Notifier[K]) OnBusyChanged(fn func(busy bool)) {
	n.mu.Lock()
	n.busy = append(n.busy, fn)
	n.mu.Unlock()
}

// Subscribe returns a channel receiving every DataChanged event published
// after the call. Publishing never blocks on a slow reader. The cancel
// function stops delivery and closes the channel once queued events are read.
func (n *Notifier[K]) Subscribe() (<-chan DataChanged[K], func()) {
	cq := channelqueue.New[DataChanged[K]](-1)
	n.mu.Lock()
	n.queues[cq] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.queues, cq)
			n.mu.Unlock()
			close(cq.In())
		})
	}
	return cq.Out(), cancel
}

func (n *Notifier[K]) publishData(ev DataChanged[K]) {
	n.mu.RLock()
	listeners := n.data
	// Held while sending so cancel cannot close a queue under us.
	for cq := range n.queues {
		cq.In() <- ev
	}
	n.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (n *Notifier[K]) publishBusy(busy bool) {
	n.mu.RLock()
	listeners := n.busy
	n.mu.RUnlock()

	for _, fn := range listeners {
		fn(busy)
	}
}
