package replicate

import (
	"sync"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// taskQueue is an unbounded FIFO of replication tasks. Enqueue never blocks,
// so the engine's fan-out loop cannot stall behind a slow follower. Dequeue
// order matches arrival order, which is what keeps per-follower event
// ordering intact.
type taskQueue struct {
	mu     sync.Mutex
	items  []domain.ReplicationTask
	signal chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) Enqueue(t domain.ReplicationTask) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue pops the head of the queue. The second return is false when the
// queue is empty; callers should then wait on Wait().
func (q *taskQueue) TryDequeue() (domain.ReplicationTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.ReplicationTask{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// Wait returns a channel that fires when new items may be available.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops queued work and rejects further enqueues.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
