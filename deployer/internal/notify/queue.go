package notify

import (
	"context"
	"errors"
	"log"
	"sync"
)

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

type queued struct {
	ctx context.Context
	ev  Event
}

// Queue hands events to next on background goroutines. Notify never waits on
// next; it fails fast when the queue is full. Events are delivered with the
// caller's context values but without its cancellation.
type Queue struct {
	next   Notifier
	events chan queued

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue starts workers goroutines. A single worker keeps events in the
// order they were queued.
func NewQueue(next Notifier, workers, depth int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 256
	}
	q := &Queue{next: next, events: make(chan queued, depth)}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for item := range q.events {
		if err := q.next.Notify(item.ctx, item.ev); err != nil {
			log.Printf("[notify] %s for deployment %s failed: %v", item.ev.Type, item.ev.Deployment.ID, err)
		}
	}
}

func (q *Queue) Notify(ctx context.Context, ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
