package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannel_PublishDeliversFIFO(t *testing.T) {
	a, b := NewChannel(0)

	a.Publish("first")
	a.Publish("second")

	a.Process(time.Now())
	b.Process(time.Now())

	msgs := b.DrainMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Payload)
	require.Equal(t, "second", msgs[1].Payload)
	require.False(t, msgs[0].IsRequest())
}

func TestChannel_RequestResponseRoundTrip(t *testing.T) {
	a, b := NewChannel(0)

	var got CallbackData
	done := make(chan struct{})
	a.Request("ping", time.Second, func(data CallbackData) {
		got = data
		close(done)
	})

	a.Process(time.Now())
	b.Process(time.Now())

	msgs := b.DrainMessages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsRequest())
	msgs[0].Respond("pong", nil)

	b.Process(time.Now())
	a.Process(time.Now())

	select {
	case <-done:
	default:
		t.Fatal("callback not invoked")
	}
	require.Equal(t, CallbackResponse, got.Kind)
	require.Equal(t, "pong", got.Value)
	require.NoError(t, got.Err)
}

func TestChannel_RequestTimeout(t *testing.T) {
	a, _ := NewChannel(0)

	fired := make(chan CallbackData, 1)
	a.Request("ping", 10*time.Millisecond, func(data CallbackData) {
		fired <- data
	})
	a.Process(time.Now())

	a.Process(time.Now().Add(50 * time.Millisecond))

	select {
	case data := <-fired:
		require.Equal(t, CallbackTimeout, data.Kind)
	default:
		t.Fatal("expected timeout callback to fire")
	}
}

func TestChannel_CallbackInvokedAtMostOnce(t *testing.T) {
	a, b := NewChannel(0)

	count := 0
	a.Request("ping", 10*time.Millisecond, func(CallbackData) {
		count++
	})
	a.Process(time.Now())
	b.Process(time.Now())
	msgs := b.DrainMessages()
	require.Len(t, msgs, 1)

	// Expire it locally before the (late) response arrives.
	a.Process(time.Now().Add(time.Second))

	// A late response for an already-expired id must be discarded, never
	// double-invoking the callback.
	msgs[0].Respond("late", nil)
	b.Process(time.Now())
	a.Process(time.Now())

	require.Equal(t, 1, count)
}

func TestChannel_UnansweredRequestTimesOut(t *testing.T) {
	a, b := NewChannel(0)
	_ = b // b never processes or answers

	// A request the peer never answers still fires its callback once, as a
	// timeout, when a later Process passes its deadline.
	done := make(chan struct{})
	a.Request("x", time.Millisecond, func(CallbackData) { close(done) })
	a.Process(time.Now().Add(time.Hour))
	select {
	case <-done:
	default:
		t.Fatal("expected timeout callback")
	}
}

func TestDetach_RestoresFieldAndAllowsReentrantCalls(t *testing.T) {
	a, _ := NewChannel(0)
	owner := struct{ child *Endpoint }{child: a}

	reentered := false
	Detach(&owner.child, func(child *Endpoint) {
		require.Nil(t, owner.child)
		child.Publish("x")
		reentered = true
	})

	require.True(t, reentered)
	require.Same(t, a, owner.child)
}
