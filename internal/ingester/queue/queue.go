// Package queue provides the in-process work queue that hands uploads to the
// background processing workers. Enqueueing the same upload while it is
// already waiting collapses into one entry; processing is convergent, so
// running an upload once covers every submission that requested it.
package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type WorkQueue struct {
	mu     sync.Mutex
	queued map[uuid.UUID]bool
	ch     chan uuid.UUID
}

func NewWorkQueue(capacity int) *WorkQueue {
	return &WorkQueue{
		queued: map[uuid.UUID]bool{},
		ch:     make(chan uuid.UUID, capacity),
	}
}

// Enqueue schedules an upload for processing. An upload already waiting is
// accepted without queueing a second entry. Returns false only when the queue
// is full; that is the caller's signal to shed load.
func (q *WorkQueue) Enqueue(uploadID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[uploadID] {
		return true
	}
	select {
	case q.ch <- uploadID:
		q.queued[uploadID] = true
		return true
	default:
		log.Warnf("Work queue full, rejecting upload %s", uploadID)
		return false
	}
}

// Len returns the number of uploads waiting to be picked up.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Run starts the worker pool and blocks until the context is cancelled and
// all workers have drained. Handler errors are logged, not fatal: a failed
// upload stays failed until a resume re-queues it.
func (q *WorkQueue) Run(ctx context.Context, workers int, handler func(ctx context.Context, uploadID uuid.UUID) error) {
	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case uploadID := <-q.ch:
					// Unmark before running so a submission that lands mid-flight
					// re-queues the upload rather than being swallowed.
					q.mu.Lock()
					delete(q.queued, uploadID)
					q.mu.Unlock()

					if err := handler(ctx, uploadID); err != nil {
						log.WithError(err).Errorf("Processing upload %s failed", uploadID)
					}
				}
			}
		}(i)
	}
	wg.Wait()
}
