package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxDeliversInOrder(t *testing.T) {
	o := newOutbox(0)
	assert.Equal(t, DefaultOutboxLimit, o.limit)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, o.push(&Event{Kind: EventMessage, ClientID: id}))
	}
	o.close()
	assert.False(t, o.push(&Event{Kind: EventMessage}), "closed outbox rejects events")

	var got []string
	err := o.run(context.Background(), func(ev *Event) error {
		got = append(got, ev.ClientID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestOutboxOverflowDetaches(t *testing.T) {
	o := newOutbox(2)
	require.True(t, o.push(&Event{ClientID: "1"}))
	require.True(t, o.push(&Event{ClientID: "2"}))
	assert.Equal(t, 2, o.size())

	assert.False(t, o.push(&Event{ClientID: "3"}))
	assert.True(t, o.isClosed())
	assert.Zero(t, o.size(), "queued events are dropped on overflow")

	select {
	case <-o.stalled:
	case <-time.After(time.Second):
		t.Fatal("stalled not signalled")
	}

	sent := 0
	err := o.run(context.Background(), func(*Event) error { sent++; return nil })
	assert.ErrorIs(t, err, errOutboxOverflow)
	assert.Zero(t, sent)
}
