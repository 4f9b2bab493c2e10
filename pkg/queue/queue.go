// Package queue provides the serial executor that owns the mutable state of
// the event engine components. Every task submitted to a Queue runs on the
// same goroutine in submission order.
package queue

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Queue struct {
	name string
	log  zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// New creates a queue and starts its worker goroutine.
func New(name string, log zerolog.Logger) *Queue {
	q := &Queue{
		name: name,
		log:  log.With().Str("queue", name).Logger(),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// Async schedules fn to run on the queue. Tasks submitted after Close are
// dropped. The backlog is unbounded so tasks may schedule more tasks on
// their own queue without deadlocking.
func (q *Queue) Async(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Debug().Msg("Dropping task submitted to closed queue")
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.cond.Signal()
}

// Sync runs fn on the queue and waits for it to return. It must not be
// called from a task running on the same queue. Returns false if the queue
// was closed before fn could run.
func (q *Queue) Sync(fn func()) bool {
	ran := make(chan struct{})
	q.Async(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
		return true
	case <-q.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// AfterFunc waits for d and then schedules fn on the queue.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		q.Async(fn)
	})
}

// Close stops the worker after the tasks already queued have run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		q.run(task)
	}
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("Recovered panic in queue task")
		}
	}()
	task()
}
