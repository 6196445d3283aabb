package gateway

import (
	"context"
	"errors"
	"sync"
)

// DefaultOutboxLimit caps the events queued for one business worker.
const DefaultOutboxLimit = 10000

// errOutboxOverflow ends an attachment whose business worker stopped reading.
var errOutboxOverflow = errors.New("gateway: business worker stalled, outbox overflow")

// outbox is a bounded FIFO of events for one attached business worker.
// The loop pushes without blocking; one goroutine drains it into the stream.
// A push beyond the limit closes the outbox and run gives up the stream, so
// the worker is detached and clients are rebound on their next event.
type outbox struct {
	mu       sync.Mutex
	queue    []*Event
	limit    int
	closed   bool
	overflow bool
	notify   chan struct{}
	// stalled is closed on overflow.
	stalled chan struct{}
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	return &outbox{limit: limit, notify: make(chan struct{}, 1), stalled: make(chan struct{})}
}

func (o *outbox) push(ev *Event) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	ok := len(o.queue) < o.limit
	if ok {
		o.queue = append(o.queue, ev)
	} else {
		o.closed = true
		o.overflow = true
		o.queue = nil
		close(o.stalled)
	}
	o.mu.Unlock()
	o.wake()
	return ok
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// close lets run deliver what is queued and then return.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) run(ctx context.Context, send func(*Event) error) error {
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed, overflow := o.closed, o.overflow
		o.mu.Unlock()

		if overflow {
			return errOutboxOverflow
		}
		for _, ev := range batch {
			if err := send(ev); err != nil {
				return err
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-o.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
