package remotelogger

import "sync"

// callbackQueue runs application callbacks one at a time, in order, on its
// own goroutine. Callbacks may call back into the Manager.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *callbackQueue) push(f func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) run() {
	defer close(q.done)
	for range q.notify {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			f := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			f()
		}
	}
}

// close runs what is already queued and then stops. It does not wait, so
// it is safe to call from a callback.
func (q *callbackQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
