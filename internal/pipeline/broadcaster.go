// -----------------------------------------------------------------------
// Progress broadcaster - fans committed task snapshots out to the event
// bus with per-task FIFO ordering and a bounded buffer per task.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// defaultBufferSize bounds the per-task update queue. A slow consumer loses
// intermediate progress updates, never the terminal one.
const defaultBufferSize = 16

// Broadcaster delivers task snapshots in commit order per task. Each task
// gets its own queue and drain goroutine, so a burst on one task never
// delays another.
type Broadcaster struct {
	events     interfaces.EventService
	bufferSize int
	logger     arbor.ILogger

	mu     sync.Mutex
	queues map[string]*taskQueue
	wg     sync.WaitGroup
	closed bool
}

type taskQueue struct {
	pending  []*models.TaskRecord
	draining bool
}

// NewBroadcaster creates a broadcaster publishing to the given event bus
func NewBroadcaster(events interfaces.EventService, logger arbor.ILogger) *Broadcaster {
	return &Broadcaster{
		events:     events,
		bufferSize: defaultBufferSize,
		logger:     logger,
		queues:     make(map[string]*taskQueue),
	}
}

// Enqueue accepts a committed task snapshot for delivery. Never blocks the
// caller: when a task's buffer is full the oldest non-terminal update is
// dropped. Terminal updates are never dropped.
func (b *Broadcaster) Enqueue(task *models.TaskRecord) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	q := b.queues[task.TaskID]
	if q == nil {
		q = &taskQueue{}
		b.queues[task.TaskID] = q
	}

	q.pending = append(q.pending, task)
	if len(q.pending) > b.bufferSize {
		q.pending = dropOldestNonTerminal(q.pending)
	}

	if !q.draining {
		q.draining = true
		b.wg.Add(1)
		go b.drain(task.TaskID, q)
	}
	b.mu.Unlock()
}

// drain delivers one task's queue in order until it empties
func (b *Broadcaster) drain(taskID string, q *taskQueue) {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			// Empty queues are released; a later update recreates the entry
			delete(b.queues, taskID)
			b.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		b.mu.Unlock()

		if err := b.events.PublishSync(context.Background(), interfaces.Event{
			Type:    interfaces.EventTaskUpdate,
			Payload: next,
		}); err != nil {
			b.logger.Warn().
				Err(err).
				Str("task_id", taskID).
				Msg("Task update delivery failed")
		}
	}
}

// dropOldestNonTerminal removes the first non-terminal entry. If every entry
// is terminal the slice is returned unchanged; terminal updates always reach
// subscribers.
func dropOldestNonTerminal(pending []*models.TaskRecord) []*models.TaskRecord {
	for i, task := range pending {
		if !task.IsTerminal() {
			return append(pending[:i], pending[i+1:]...)
		}
	}
	return pending
}

// Close waits for all in-flight deliveries to finish
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
