// Package serial provides the single-goroutine execution queues that own
// client state. Work submitted to a Queue runs one task at a time, in
// submission order.
package serial

import "sync"

// Queue is an unbounded FIFO of tasks drained by one goroutine. Tasks may
// submit further tasks to the same queue with Async; they must not call
// Sync on their own queue.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	closed  bool
	done    chan struct{}
	onPanic func(any)
}

// New starts a queue. onPanic, when non-nil, receives values recovered
// from panicking tasks; the queue keeps running either way.
func New(onPanic func(any)) *Queue {
	q := &Queue{
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Async schedules f. It reports false if the queue is closed.
func (q *Queue) Async(f func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, f)
	q.cond.Signal()
	return true
}

// Sync schedules f and waits for it to finish. It reports false, without
// running f, if the queue is closed.
func (q *Queue) Sync(f func()) bool {
	finished := make(chan struct{})
	if !q.Async(func() {
		defer close(finished)
		f()
	}) {
		return false
	}
	<-finished
	return true
}

// Close stops accepting work. Tasks already queued still run; Done is
// closed after the last one.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Done is closed once the queue has drained after Close.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
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

		q.exec(task)
	}
}

func (q *Queue) exec(task func()) {
	defer func() {
		if r := recover(); r != nil && q.onPanic != nil {
			q.onPanic(r)
		}
	}()
	task()
}
