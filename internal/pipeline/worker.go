package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// workerPool runs task processing with a fixed number of workers pulling
// from a bounded queue
type workerPool struct {
	queue   chan string
	workers int
	process func(ctx context.Context, taskID string)
	logger  arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkerPool(workers, queueSize int, process func(ctx context.Context, taskID string), logger arbor.ILogger) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		queue:   make(chan string, queueSize),
		workers: workers,
		process: process,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Starts are staggered slightly so a full queue
// does not wake every worker at the same instant.
func (p *workerPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			time.Sleep(time.Duration(id) * 50 * time.Millisecond)
			p.run(id)
		}(i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("Worker pool started")
}

func (p *workerPool) run(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case taskID, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(p.ctx, taskID)
		}
	}
}

// Enqueue adds a task to the queue without blocking. Returns an error when
// the queue is full or the pool is stopped.
func (p *workerPool) Enqueue(taskID string) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool stopped")
	case p.queue <- taskID:
		return nil
	default:
		return fmt.Errorf("task queue full")
	}
}

// Stop signals the workers and waits for in-flight tasks to finish
func (p *workerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}
