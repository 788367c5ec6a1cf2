// Package dispatch provides serial task queues. A Queue runs its tasks one at
// a time in submission order, which makes it usable both as an entity's
// serialization domain and as a notification delivery context.
package dispatch

import (
	"sync"

	"github.com/eapache/queue"
)

type Queue struct {
	label   string
	access  sync.Mutex
	tasks   *queue.Queue
	running bool
	closed  bool
}

func NewQueue(label string) *Queue {
	return &Queue{
		label: label,
		tasks: queue.New(),
	}
}

func (q *Queue) Label() string {
	return q.label
}

// Async enqueues task and returns immediately. It reports false if the queue
// is closed.
func (q *Queue) Async(task func()) bool {
	q.access.Lock()
	defer q.access.Unlock()
	if q.closed {
		return false
	}
	q.tasks.Add(task)
	if !q.running {
		q.running = true
		go q.run()
	}
	return true
}

// Sync enqueues task and waits until it has run. Calling Sync from a task
// running on the same queue deadlocks.
func (q *Queue) Sync(task func()) bool {
	done := make(chan struct{})
	if !q.Async(func() {
		defer close(done)
		task()
	}) {
		return false
	}
	<-done
	return true
}

// Close rejects further tasks. Tasks already enqueued still run.
func (q *Queue) Close() {
	q.access.Lock()
	q.closed = true
	q.access.Unlock()
}

func (q *Queue) run() {
	for {
		q.access.Lock()
		if q.tasks.Length() == 0 {
			q.running = false
			q.access.Unlock()
			return
		}
		task := q.tasks.Remove().(func())
		q.access.Unlock()
		task()
	}
}
