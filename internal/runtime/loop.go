package runtime

import (
	"sync"
	"time"
)

// TimerID identifies a timer registered on a Loop.
type TimerID uint64

// Loop serializes every hook of one worker onto a single goroutine. Other
// goroutines (socket readers, timers, gRPC handlers) hand work to it with
// Post or Call.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	timers  map[TimerID]*loopTimer
	nextTID TimerID
}

type loopTimer struct {
	t          *time.Timer
	fn         func()
	interval   time.Duration
	persistent bool
}

// NewLoop creates an idle loop. Run must be called to start dispatching.
func NewLoop() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		timers: make(map[TimerID]*loopTimer),
	}
}

// Post queues fn for execution on the loop goroutine. It never blocks and
// returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to finish. It must not be called from the
// loop goroutine itself.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Run dispatches queued functions until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	for {
		if l.runQueued() > 0 {
			select {
			case <-stop:
				return
			default:
			}
			continue
		}
		select {
		case <-stop:
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) runQueued() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Drain runs everything queued so far, including functions queued by the
// drained functions themselves.
func (l *Loop) Drain() {
	for {
		if l.runQueued() == 0 {
			return
		}
	}
}

// Close stops all timers and rejects further posts.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, lt := range l.timers {
		lt.t.Stop()
		delete(l.timers, id)
	}
	l.queue = nil
}

// AddTimer runs fn on the loop after interval, and every interval afterwards
// when persistent is true. The next period starts when fn returns.
func (l *Loop) AddTimer(interval time.Duration, fn func(), persistent bool) TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextTID++
	id := l.nextTID
	lt := &loopTimer{fn: fn, interval: interval, persistent: persistent}
	l.timers[id] = lt
	lt.t = time.AfterFunc(interval, func() { l.fire(id) })
	return id
}

// CancelTimer disarms a timer. A canceled timer never runs its callback
// afterwards, even if it had already expired and was waiting in the queue.
func (l *Loop) CancelTimer(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lt, ok := l.timers[id]
	if !ok {
		return false
	}
	lt.t.Stop()
	delete(l.timers, id)
	return true
}

// TimerCount reports the number of armed timers.
func (l *Loop) TimerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) fire(id TimerID) {
	l.Post(func() {
		l.mu.Lock()
		lt, ok := l.timers[id]
		if ok && !lt.persistent {
			delete(l.timers, id)
		}
		l.mu.Unlock()
		if !ok {
			return
		}

		lt.fn()

		if lt.persistent {
			l.mu.Lock()
			if _, still := l.timers[id]; still {
				lt.t.Reset(lt.interval)
			}
			l.mu.Unlock()
		}
	})
}
