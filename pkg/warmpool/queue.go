package warmpool

import (
	"context"
	"sync"

	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/metrics"
)

// Warmer runs the heavyweight sandbox warmup. Satisfied by the manager.
type Warmer interface {
	WarmupSandbox(ctx context.Context, sandboxID string) error
}

// DropPolicy selects which request loses when the warmup queue is full.
type DropPolicy string

const (
	DropNewest DropPolicy = "drop_newest"
	DropOldest DropPolicy = "drop_oldest"
)

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Depth     int   `json:"depth"`
	Enqueued  int64 `json:"enqueued"`
	Deduped   int64 `json:"deduped"`
	Dropped   int64 `json:"dropped"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Queue feeds warm sandbox IDs to a fixed set of workers that run the
// container warmup. It is bounded and deduplicating: a sandbox stays in the
// dedup set while its task is queued or being processed, so it cannot be
// enqueued twice. When the buffer is full one request is dropped according
// to the policy. Dropping is safe because the pool scheduler re-detects the
// deficit on its next cycle.
type Queue struct {
	mgr     Warmer
	ch      chan string
	policy  DropPolicy
	workers int

	mu      sync.Mutex
	pending map[string]bool
	closed  bool
	stats   QueueStats

	dropAlertThreshold int64
	wg                 sync.WaitGroup
}

// NewQueue builds a queue with the given buffer size, worker count and drop
// policy. Call Start to launch the workers.
func NewQueue(mgr Warmer, size, workers int, policy DropPolicy, dropAlertThreshold int) *Queue {
	if policy == "" {
		policy = DropNewest
	}
	return &Queue{
		mgr:                mgr,
		ch:                 make(chan string, size),
		policy:             policy,
		workers:            workers,
		pending:            make(map[string]bool),
		dropAlertThreshold: int64(dropAlertThreshold),
	}
}

// Start launches the worker goroutines. ctx cancels in-flight warmups.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue queues a sandbox for warmup. Returns false when the request was
// dropped or deduplicated. Safe to call concurrently with Close; a closed
// queue drops everything.
func (q *Queue) Enqueue(sandboxID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.pending[sandboxID] {
		q.stats.Deduped++
		return false
	}

	select {
	case q.ch <- sandboxID:
		q.pending[sandboxID] = true
		q.stats.Enqueued++
		metrics.WarmupQueueDepth.Set(float64(len(q.ch)))
		return true
	default:
	}

	// Queue full.
	if q.policy == DropOldest {
		select {
		case old := <-q.ch:
			delete(q.pending, old)
			q.recordDrop()
			q.ch <- sandboxID
			q.pending[sandboxID] = true
			q.stats.Enqueued++
			return true
		default:
			// Workers drained it between the checks; retry the send.
			select {
			case q.ch <- sandboxID:
				q.pending[sandboxID] = true
				q.stats.Enqueued++
				return true
			default:
			}
		}
	}
	q.recordDrop()
	return false
}

func (q *Queue) recordDrop() {
	q.stats.Dropped++
	metrics.WarmupQueueDropped.WithLabelValues(string(q.policy)).Inc()
	if q.dropAlertThreshold > 0 && q.stats.Dropped%q.dropAlertThreshold == 0 {
		logger := log.WithComponent("warmpool")
		logger.Warn().
			Int64("dropped_total", q.stats.Dropped).
			Msg("Warmup queue is dropping requests, pool may be undersized")
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for id := range q.ch {
		metrics.WarmupQueueDepth.Set(float64(len(q.ch)))

		err := q.mgr.WarmupSandbox(ctx, id)

		// The dedup entry is held until here so a concurrent Enqueue for a
		// sandbox still being warmed stays a no-op.
		q.mu.Lock()
		delete(q.pending, id)
		if err != nil {
			q.stats.Failed++
		} else {
			q.stats.Processed++
		}
		q.mu.Unlock()

		if err != nil {
			metrics.WarmupProcessed.WithLabelValues("error").Inc()
			logger := log.WithSandboxID(id)
			logger.Warn().Err(err).Msg("Warmup failed")
		} else {
			metrics.WarmupProcessed.WithLabelValues("ok").Inc()
		}
	}
}

// Close stops accepting work and waits for the workers to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.ch)
	return s
}
