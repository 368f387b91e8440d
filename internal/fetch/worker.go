package fetch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// workSource is what a Worker pulls from. Dispatcher implements it.
type workSource[K comparable] interface {
	TryTake() (Work[K], bool)
	Ready() bool
	recordRestart()
}

// Worker runs fetches pulled from a dispatcher on its own goroutine. The loop
// is demand driven: it stops by itself as soon as no work is left and has to
// be started again after the next viewport change.
type Worker[K comparable] struct {
	id     int
	source workSource[K]
	ctx    context.Context
	logger *zap.Logger

	mu       sync.Mutex
	running  bool // a loop goroutine is alive
	stopping bool // that loop exits before taking more work
	started  bool
	done     chan struct{}
}

// NewWorker creates a stopped worker. Work runs with ctx, which Stop does not
// cancel; in-flight fetches finish even after the worker was stopped.
func NewWorker[K comparable](ctx context.Context, id int, source workSource[K], logger *zap.Logger) *Worker[K] {
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Worker[K]{
		id:     id,
		source: source,
		ctx:    ctx,
		logger: logger.With(zap.Int("worker", id)),
		done:   done,
	}
}

// Start moves a stopped worker to running. It is a no-op for a running one.
// A loop that was asked to stop but has not exited yet is told to carry on,
// so there is never more than one loop per worker.
func (w *Worker[K]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.stopping = false
		return
	}
	if w.started {
		w.source.recordRestart()
	}
	w.started = true
	w.running = true

	done := make(chan struct{})
	w.done = done
	go w.loop(done)
}

// Stop asks the loop to end before taking more work. It does not wait for
// the unit of work currently running; use Done for that.
func (w *Worker[K]) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.stopping = true
	}
}

func (w *Worker[K]) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running && !w.stopping
}

// Done returns a channel closed when the most recently started loop exits.
func (w *Worker[K]) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Worker[K]) loop(done chan struct{}) {
	defer close(done)

	for {
		w.mu.Lock()
		if w.stopping {
			w.exitLocked()
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		work, ok := w.source.TryTake()
		if ok {
			w.run(work)
			continue
		}

		w.mu.Lock()
		// A viewport change may have slipped in after TryTake came back
		// empty; its Start call saw us running, so pick it up here.
		if !w.stopping && w.source.Ready() {
			w.mu.Unlock()
			continue
		}
		w.exitLocked()
		w.mu.Unlock()
		return
	}
}

func (w *Worker[K]) exitLocked() {
	w.running = false
	w.stopping = false
}

func (w *Worker[K]) run(work Work[K]) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Fetch worker recovered from panic", zap.Any("key", work.Key), zap.Any("panic", r))
		}
	}()
	work.Run(w.ctx)
}
