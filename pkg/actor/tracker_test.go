package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

func TestTracker_EvictionFiresTimeout(t *testing.T) {
	tr := NewTracker(2)

	var fired []CallbackData
	cb := func(d CallbackData) { fired = append(fired, d) }

	tr.Track(types.RequestId("a"), time.Minute, nil, cb)
	tr.Track(types.RequestId("b"), time.Minute, nil, cb)
	// Capacity is 2; tracking a third evicts the oldest ("a").
	tr.Track(types.RequestId("c"), time.Minute, nil, cb)

	require.Len(t, fired, 1)
	require.Equal(t, CallbackTimeout, fired[0].Kind)
	require.Equal(t, 2, tr.Len())
}

func TestTracker_ResolveUnknownIdReturnsFalse(t *testing.T) {
	tr := NewTracker(0)
	ok := tr.Resolve(types.RequestId("missing"), nil, nil)
	require.False(t, ok)
}

func TestTracker_TagRoundTrips(t *testing.T) {
	tr := NewTracker(0)
	tr.Track(types.RequestId("a"), time.Minute, "my-tag", func(CallbackData) {})
	tag, ok := tr.Tag(types.RequestId("a"))
	require.True(t, ok)
	require.Equal(t, "my-tag", tag)
}
