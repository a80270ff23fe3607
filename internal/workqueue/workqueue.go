// Package workqueue provides the deferred-work facility used to move
// probe-trigger handling out of the restricted callback context.
package workqueue

import (
	"sync"

	"github.com/rs/zerolog"
)

// Queue runs scheduled work items on a fixed pool of worker goroutines.
// Schedule never blocks the caller, so it is safe to invoke from the
// probe-trigger path.
type Queue struct {
	logger zerolog.Logger
	ch     chan func()

	workers  sync.WaitGroup
	overflow sync.WaitGroup
	once     sync.Once
}

// New starts a queue with the given worker count and channel depth.
func New(logger zerolog.Logger, workers, depth int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}

	q := &Queue{
		logger: logger,
		ch:     make(chan func(), depth),
	}
	for i := 0; i < workers; i++ {
		q.workers.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.workers.Done()
	for fn := range q.ch {
		fn()
	}
}

// Schedule hands fn to a worker. Each item runs exactly once in an
// unrestricted context. If the channel is full the item is run on its
// own goroutine rather than blocking the caller.
//
// Schedule must not be called after Close.
func (q *Queue) Schedule(fn func()) {
	select {
	case q.ch <- fn:
	default:
		q.overflow.Add(1)
		q.logger.Debug().Msg("work queue full, running item on its own goroutine")
		go func() {
			defer q.overflow.Done()
			fn()
		}()
	}
}

// Close stops accepting work and waits for every scheduled item to
// finish.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.ch)
	})
	q.workers.Wait()
	q.overflow.Wait()
}
