package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
)

// ErrQueueFull is returned by Enqueue when no capacity is left.
var ErrQueueFull = errors.New("queue is full")

// WorkItem contains a copy of the job data needed for processing.
type WorkItem struct {
	Job Job
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Discarder is implemented by processors that record items the queue drops
// without processing them.
type Discarder interface {
	Discard(ctx context.Context, item WorkItem, reason string)
}

// DiscardReason is passed to Discarder for items dropped at shutdown.
const DiscardReason = "not run: shutting down"

// discardTimeout bounds the bookkeeping for all dropped items.
const discardTimeout = 30 * time.Second

// Queue is an in-memory bounded queue for WorkItems. Dispatchers pull items
// and run them to completion; they may sit in retry waits, so heavy work must
// additionally be gated by a Limiter.
type Queue struct {
	log        *slog.Logger
	ch         chan WorkItem
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	processor  Processor
	stopping   atomic.Bool
	started    bool
	closed     bool
	mu         sync.Mutex
}

// NewQueue creates a new Queue with the given capacity and dispatcher count.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Start launches dispatcher goroutines that consume WorkItems and process them using the provided Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.processor = p
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-q.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			if q.stopping.Load() || ctx.Err() != nil {
				dctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
				q.discard(dctx, item)
				cancel()
				continue
			}
			jobLog := log.With("job_id", item.Job.ID)
			jobLog.Debug("dispatching job", "status", item.Job.Status)
			start := time.Now()
			if err := p.Process(ctx, item); err != nil {
				jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
			} else {
				jobLog.Debug("job processed", "duration", time.Since(start))
			}
		}
	}
}

// Enqueue adds a WorkItem to the queue (non-blocking if capacity allows).
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.closed {
		return errors.New("queue not running")
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and gives in-flight items until deadline to
// finish before their context is cancelled. Items still buffered are never
// started; they are handed to the processor's Discard, if it has one.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.stopping.Store(true)
		q.mu.Lock()
		q.closed = true
		// close channel to unblock workers if they are waiting on receive
		close(q.ch)
		q.mu.Unlock()

		// wait with deadline
		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		if deadline <= 0 {
			timer.Stop()
		}
		select {
		case <-done:
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; cancelling in-flight jobs")
		}
		// stop workers
		if q.cancel != nil {
			q.cancel()
		}
		<-done

		// Dispatchers are gone; drain what they left behind.
		ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
		defer cancel()
		for item := range q.ch {
			q.discard(ctx, item)
		}
	})
}

func (q *Queue) discard(ctx context.Context, item WorkItem) {
	q.log.Warn("dropping queued job", "job_id", item.Job.ID, "reason", DiscardReason)
	if d, ok := q.processor.(Discarder); ok {
		d.Discard(ctx, item, DiscardReason)
	}
}
