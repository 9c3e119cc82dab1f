package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TaskQueue is a single-worker FIFO scheduler. Submitted tasks run strictly
// one at a time in submission order, which is what preserves per-call event
// ordering in the store. When the queue drains, the worker goroutine exits;
// the next Submit starts a new one. A failing task is logged and the next
// task runs.
type TaskQueue struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool
	idle    *sync.Cond
}

// NewTaskQueue creates an empty queue with no worker running.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Submit appends a task and ensures a worker is running. Submitting to a
// closed queue drops the task.
func (q *TaskQueue) Submit(task func()) {
	if task == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		logrus.Debug("task queue closed; dropping task")
		return
	}
	q.tasks = append(q.tasks, task)
	if !q.running {
		q.running = true
		go q.work()
	}
}

// Len reports the number of queued tasks, not counting one mid-execution.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *TaskQueue) work() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

func (q *TaskQueue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("task queue: task panicked: %v", r)
		}
	}()
	task()
}

// Close stops accepting tasks and waits for the queue to drain, up to the
// given timeout. Returns true when everything drained.
func (q *TaskQueue) Close(timeout time.Duration) bool {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.running || len(q.tasks) > 0 {
			q.idle.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logrus.Warnf("task queue: close timed out with %d tasks pending", q.Len())
		return false
	}
}
