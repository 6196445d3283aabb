package runtime

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T) (*Loop, func()) {
	t.Helper()
	l := NewLoop()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(stop)
		close(done)
	}()
	return l, func() {
		close(stop)
		<-done
		l.Close()
	}
}

func TestLoopRunsPostsInOrder(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.True(t, l.Call(func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopPostAfterClose(t *testing.T) {
	l := NewLoop()
	l.Close()
	assert.False(t, l.Post(func() {}))
	assert.False(t, l.Call(func() {}))
}

func TestLoopOneShotTimer(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	fired := make(chan struct{})
	l.AddTimer(10*time.Millisecond, func() { close(fired) }, false)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Eventually(t, func() bool { return l.TimerCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLoopPersistentTimer(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	var n atomic.Int32
	id := l.AddTimer(5*time.Millisecond, func() { n.Add(1) }, true)

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, l.CancelTimer(id))
	assert.False(t, l.CancelTimer(id))
}

func TestLoopCanceledTimerNeverRuns(t *testing.T) {
	l := NewLoop()
	var ran atomic.Bool
	id := l.AddTimer(time.Millisecond, func() { ran.Store(true) }, false)

	// let the timer expire and queue its callback while the loop is idle
	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.CancelTimer(id))

	l.Drain()
	assert.False(t, ran.Load())
}

func TestLoopSerializesConcurrentPosts(t *testing.T) {
	l, stop := runLoop(t)
	defer stop()

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.True(t, l.Call(func() {}))
	assert.Equal(t, 2000, counter)
}
