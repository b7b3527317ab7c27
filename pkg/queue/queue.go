// Package queue hands submitted images to pipeline workers through a
// bounded in-process channel. Submission blocks while the buffer is
// full, which backpressures large jobs instead of growing memory.
package queue

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/menta2k/debris-scan/pkg/types"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("queue closed")

// Task is one image of a job, scheduled independently so multiple
// workers can process a job's images in parallel.
type Task struct {
	JobID      string
	ImageIndex int
	Image      types.SourceImage
	Config     types.JobConfig
}

// Queue is a bounded FIFO of pending tasks.
type Queue struct {
	tasks  chan Task
	done   chan struct{}
	closed atomic.Bool
}

// New creates a queue buffering up to capacity tasks.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		tasks: make(chan Task, capacity),
		done:  make(chan struct{}),
	}
}

// Submit enqueues a task, blocking while the queue is full. It fails
// once the queue is closed or the context ends.
func (q *Queue) Submit(ctx context.Context, t Task) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.tasks <- t:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull blocks until a task is available. ok is false once the queue is
// closed and drained, or the context ends.
func (q *Queue) Pull(ctx context.Context) (Task, bool) {
	select {
	case t := <-q.tasks:
		return t, true
	case <-ctx.Done():
		return Task{}, false
	case <-q.done:
		// Tasks buffered before the close still get processed.
		select {
		case t := <-q.tasks:
			return t, true
		default:
			return Task{}, false
		}
	}
}

// Len reports how many tasks are currently buffered.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops the queue and wakes all blocked Pull and Submit calls.
// It is safe to call more than once.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}
