package stream

import "sync"

// jobQueue runs one session's jobs in submission order on a dedicated goroutine.
// push never blocks, so the connection read loop is not held up by inference.
type jobQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []func()
	running bool
	closed  bool
	done    chan struct{}
}

func newJobQueue() *jobQueue {
	q := &jobQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push appends a job; returns false once the queue is closed
func (q *jobQueue) push(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
	return true
}

// close discards queued jobs and stops the worker after the running job returns
func (q *jobQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.jobs = nil
	q.cond.Signal()
	q.mu.Unlock()
}

// pending returns the number of jobs queued or running
func (q *jobQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	if q.running {
		n++
	}
	return n
}

func (q *jobQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.running = true
		q.mu.Unlock()

		job()

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}
}
