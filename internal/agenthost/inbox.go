package agenthost

import (
	"context"
	"sync"
	"time"

	"github.com/agentcore/runtime/internal/router"
)

// inbox is a bounded FIFO queue implementing router.Inbox. A plain
// buffered channel cannot support DropOldest (there is no way to pop the
// head without a receiver ready) or a timeout-aware blocking dequeue, so
// the queue is a mutex-guarded slice plus a buffered "something changed"
// notification channel instead.
type inbox struct {
	mu       sync.Mutex
	items    []router.Trigger
	capacity int
	closed   bool
	notify   chan struct{}
}

func newInbox(capacity int) *inbox {
	if capacity <= 0 {
		capacity = 256
	}
	return &inbox{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (ib *inbox) signal() {
	select {
	case ib.notify <- struct{}{}:
	default:
	}
}

// Enqueue implements router.Inbox.
func (ib *inbox) Enqueue(ctx context.Context, t router.Trigger, policy router.BackpressurePolicy, timeout time.Duration) (delivered bool, dropped bool) {
	ib.mu.Lock()
	if ib.closed {
		ib.mu.Unlock()
		return false, false
	}
	if len(ib.items) < ib.capacity {
		ib.items = append(ib.items, t)
		ib.mu.Unlock()
		ib.signal()
		return true, false
	}

	switch policy {
	case router.DropNewest:
		ib.mu.Unlock()
		return false, true

	case router.DropOldest:
		ib.items = append(ib.items[1:], t)
		ib.mu.Unlock()
		ib.signal()
		return true, true

	case router.Block:
		ib.mu.Unlock()
		deadline := time.Now().Add(timeout)
		for {
			ib.mu.Lock()
			if ib.closed {
				ib.mu.Unlock()
				return false, false
			}
			if len(ib.items) < ib.capacity {
				ib.items = append(ib.items, t)
				ib.mu.Unlock()
				ib.signal()
				return true, false
			}
			ib.mu.Unlock()

			remaining := time.Until(deadline)
			if remaining <= 0 {
				// Block never blocks the router beyond timeout (spec
				// §4.3): fall back to DropOldest and report the drop.
				ib.mu.Lock()
				if !ib.closed {
					ib.items = append(ib.items[1:], t)
				}
				ib.mu.Unlock()
				ib.signal()
				return true, true
			}
			select {
			case <-ib.notify:
			case <-time.After(remaining):
			}
		}

	default:
		ib.mu.Unlock()
		return false, true
	}
}

// dequeue blocks until an item is available, the inbox is closed, or
// timeout elapses. ok is false on close; timedOut is true when the
// timeout elapsed with nothing delivered (used to drive idle hibernation).
func (ib *inbox) dequeue(timeout time.Duration) (t router.Trigger, ok bool, timedOut bool) {
	deadline := time.Now().Add(timeout)
	for {
		ib.mu.Lock()
		if len(ib.items) > 0 {
			t = ib.items[0]
			ib.items = ib.items[1:]
			ib.mu.Unlock()
			return t, true, false
		}
		if ib.closed {
			ib.mu.Unlock()
			return router.Trigger{}, false, false
		}
		ib.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return router.Trigger{}, false, true
		}
		select {
		case <-ib.notify:
		case <-time.After(remaining):
			return router.Trigger{}, false, true
		}
	}
}

// len reports the current queue depth, for enforcing |inbox| <= capacity.
func (ib *inbox) len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.items)
}

// close wakes any blocked dequeue/enqueue and marks the inbox terminal.
func (ib *inbox) close() {
	ib.mu.Lock()
	ib.closed = true
	ib.mu.Unlock()
	ib.signal()
}
