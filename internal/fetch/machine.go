package fetch

import (
	"context"

	"go.uber.org/zap"

	"tilefetch/internal/tile"
)

// Machine drives a fixed set of workers over one dispatcher.
type Machine[K comparable, V any] struct {
	dispatcher *Dispatcher[K, V]
	workers    []*Worker[K]
	logger     *zap.Logger
}

// NewMachine creates n stopped workers for d. n may be zero, in which case
// the owner is expected to call TryTake itself.
func NewMachine[K comparable, V any](ctx context.Context, d *Dispatcher[K, V], n int, logger *zap.Logger) *Machine[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine[K, V]{dispatcher: d, logger: logger}
	for i := 0; i < n; i++ {
		m.workers = append(m.workers, NewWorker[K](ctx, i, d, logger))
	}
	return m
}

func (m *Machine[K, V]) Dispatcher() *Dispatcher[K, V] { return m.dispatcher }

// SetViewport forwards info to the dispatcher and makes sure workers run.
func (m *Machine[K, V]) SetViewport(info tile.FetchInfo) {
	m.dispatcher.SetViewport(info)
	m.Start()
}

func (m *Machine[K, V]) Start() {
	for _, w := range m.workers {
		w.Start()
	}
}

func (m *Machine[K, V]) Stop() {
	for _, w := range m.workers {
		w.Stop()
	}
}

// Wait blocks until every worker loop has exited or ctx is done.
func (m *Machine[K, V]) Wait(ctx context.Context) error {
	for _, w := range m.workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running returns the number of workers currently running.
func (m *Machine[K, V]) Running() int {
	n := 0
	for _, w := range m.workers {
		if w.Running() {
			n++
		}
	}
	return n
}

func (m *Machine[K, V]) Workers() int { return len(m.workers) }
