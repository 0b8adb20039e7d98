package cancel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

var (
	ErrQueueFull     = errors.New("cancel queue full")
	ErrWorkerStopped = errors.New("cancel worker stopped")
)

// Worker runs cancellations off the request path. Requests are queued and
// picked up by a fixed number of goroutines.
type Worker struct {
	ctl      *Controller
	workers  int
	queue    chan uuid.UUID
	OnResult func(id uuid.UUID, d models.Deployment, err error)

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewWorker(ctl *Controller, workers, depth int) *Worker {
	if workers <= 0 {
		workers = 2
	}
	if depth <= 0 {
		depth = 64
	}
	return &Worker{ctl: ctl, workers: workers, queue: make(chan uuid.UUID, depth)}
}

// Start launches the workers. They exit once Stop has drained the queue.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for id := range w.queue {
				d, err := w.ctl.Cancel(ctx, id)
				if err != nil {
					w.ctl.Logger.Printf("deployment %s: cancel failed: %v", id, err)
				} else {
					w.ctl.Logger.Printf("deployment %s: canceled", id)
				}
				if w.OnResult != nil {
					w.OnResult(id, d, err)
				}
			}
		}()
	}
}

// Submit queues id without blocking.
func (w *Worker) Submit(id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWorkerStopped
	}
	select {
	case w.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new requests and waits for queued ones to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
