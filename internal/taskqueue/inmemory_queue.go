package taskqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrQueueFull is returned by InMemoryQueue.Enqueue at capacity.
var ErrQueueFull = errors.New("task queue full")

// InMemoryQueue is a Queue held in memory. Tasks become eligible at their
// NotBefore time and are handed out in NotBefore then enqueue order.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []queued
	seq      uint64
	capacity int
	// notify is closed and replaced whenever a task is added.
	notify chan struct{}
}

type queued struct {
	task Task
	seq  uint64
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) >= q.capacity {
		return ErrQueueFull
	}
	q.seq++
	q.tasks = append(q.tasks, queued{task: t, seq: q.seq})
	sort.SliceStable(q.tasks, func(i, j int) bool {
		a, b := q.tasks[i], q.tasks[j]
		if !a.task.NotBefore.Equal(b.task.NotBefore) {
			return a.task.NotBefore.Before(b.task.NotBefore)
		}
		return a.seq < b.seq
	})
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		notify := q.notify
		wait := time.Duration(-1)
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			wait = time.Until(head.task.NotBefore)
			if wait <= 0 {
				q.tasks = q.tasks[1:]
				q.mu.Unlock()
				t := head.task
				return &t, nil
			}
		}
		q.mu.Unlock()

		var (
			tm    *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			tm = time.NewTimer(wait)
			timer = tm.C
		}
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if tm != nil {
				tm.Stop()
			}
			return nil, err
		case <-notify:
		case <-timer:
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
