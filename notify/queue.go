package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of asynchronous delivery.
type Task func(ctx context.Context)

// Queue delivers tasks in FIFO order on a single worker goroutine, off the
// caller's critical path.
//
// A capacity of 0 makes the queue unbounded so that commits never block on
// slow listeners. The signal channel coalesces wakeups (buffered, size 1).
type Queue struct {
	mu       sync.Mutex
	tasks    []Task
	capacity int
	closed   bool
	signal   chan struct{}
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewQueue creates a queue and starts its worker. A nil logger uses
// slog.Default().
func NewQueue(capacity int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity < 0 {
		capacity = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:    make([]Task, 0, 64),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	go q.run()
	return q
}

// Enqueue adds a task to the back of the queue. Safe for concurrent use.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return ErrQueueFull
	}
	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) tryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		if t, ok := q.tryDequeue(); ok {
			q.execute(t)
			continue
		}

		q.mu.Lock()
		finished := q.closed && len(q.tasks) == 0
		q.mu.Unlock()
		if finished {
			return
		}
		<-q.signal
	}
}

func (q *Queue) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("async notification panicked", "panic", fmt.Sprint(r))
		}
	}()
	t(q.ctx)
}

// Close stops accepting tasks and shuts the worker down.
//
// With drain set, pending tasks are delivered before Close returns. Otherwise
// they are discarded, the context of an in-flight task is canceled, and the
// number of dropped tasks is returned. If ctx ends first, Close returns its
// error and the worker keeps going in the background.
func (q *Queue) Close(ctx context.Context, drain bool) (int, error) {
	q.mu.Lock()
	discarded := 0
	if !q.closed {
		q.closed = true
		if !drain {
			discarded = len(q.tasks)
			clear(q.tasks)
			q.tasks = q.tasks[:0]
			q.cancel()
		}
		close(q.signal)
	}
	q.mu.Unlock()

	if discarded > 0 {
		q.logger.Warn("discarded pending async notifications", "count", discarded)
	}

	select {
	case <-q.done:
		q.cancel()
		return discarded, nil
	case <-ctx.Done():
		return discarded, ctx.Err()
	}
}
