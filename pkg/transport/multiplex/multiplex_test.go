package multiplex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/transport/memory"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

func syncRequest(t *testing.T, ep *actor.Endpoint, payload interface{}) actor.CallbackData {
	t.Helper()
	var out actor.CallbackData
	done := make(chan struct{})
	ep.Request(payload, 3*time.Second, func(d actor.CallbackData) {
		out = d
		close(done)
	})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ep.Process(time.Now())
		select {
		case <-done:
			return out
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("request did not complete in time")
	return out
}

func drain(t *testing.T, ep *actor.Endpoint, n int) []actor.InboundMessage {
	t.Helper()
	var all []actor.InboundMessage
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ep.Process(time.Now())
		all = append(all, ep.DrainMessages()...)
		if len(all) >= n {
			return all
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %d: %#v", n, len(all), all)
	return all
}

func drainNone(t *testing.T, ep *actor.Endpoint) {
	t.Helper()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		ep.Process(time.Now())
		if msgs := ep.DrainMessages(); len(msgs) > 0 {
			t.Fatalf("expected no messages, got %#v", msgs)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestMultiplex_RoutesDirectMessageToMatchingAgent exercises the multiplex
// isolation invariant (spec §8, invariant 4): a direct-message frame
// addressed to one (space,agent) route is delivered only to that route, not
// to a sibling route nor to the multiplex's own parent.
func TestMultiplex_RoutesDirectMessageToMatchingAgent(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	registry := memory.NewRegistry()

	memA := memory.New(registry, logger)
	memB := memory.New(registry, logger)
	defer memA.Close()
	defer memB.Close()

	mxA := New(memA, logger)
	mxB := New(memB, logger)
	defer mxA.Close()
	defer mxB.Close()

	boundA := syncRequest(t, mxA.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})
	boundB := syncRequest(t, mxB.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})
	lowB := boundB.Value.(transport.BindResponse).BoundURL.Low()
	_ = boundA

	space := types.SpaceAddress("space1")
	routeAlice, err := mxB.CreateAgentSpaceRoute(space, types.AgentId("alice"))
	require.NoError(t, err)
	routeBob, err := mxB.CreateAgentSpaceRoute(space, types.AgentId("bob"))
	require.NoError(t, err)

	// A's own route sends to B, addressed (via the destination's peer-name
	// query param) to B's "alice" route.
	sendRoute, err := mxA.CreateAgentSpaceRoute(space, types.AgentId("sender"))
	require.NoError(t, err)

	dest := lowB.WithPeerName(types.PeerName("alice"))
	sendResult := syncRequest(t, sendRoute.Endpoint(), transport.SendMessageRequest{
		Destination: dest,
		Payload:     []byte("hi alice"),
	})
	require.NoError(t, sendResult.Err)

	msgs := drain(t, routeAlice.Endpoint(), 1)
	require.Len(t, msgs, 1)
	recv, ok := msgs[0].Payload.(transport.ReceivedDataEvent)
	require.True(t, ok)
	require.Equal(t, "hi alice", string(recv.Payload))

	// B's own multiplex parent only sees the underlying IncomingConnection
	// (first contact from A); the direct-message payload itself, having
	// matched a route, never bubbles there. Bob's route never sees it either.
	parentMsgs := drain(t, mxB.Endpoint(), 1)
	_, ok = parentMsgs[0].Payload.(transport.IncomingConnectionEvent)
	require.True(t, ok)
	drainNone(t, routeBob.Endpoint())
	drainNone(t, mxB.Endpoint())
}

// TestMultiplex_UnmatchedFrameBubblesToParent covers the "otherwise bubbled"
// branch of spec §4.D's inbound dispatch: a payload that isn't a
// direct-message frame (or doesn't match any registered route) surfaces on
// the multiplex's own parent endpoint instead of any route.
func TestMultiplex_UnmatchedFrameBubblesToParent(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	registry := memory.NewRegistry()

	memA := memory.New(registry, logger)
	memB := memory.New(registry, logger)
	defer memA.Close()
	defer memB.Close()

	mxA := New(memA, logger)
	mxB := New(memB, logger)
	defer mxA.Close()
	defer mxB.Close()

	syncRequest(t, mxA.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})
	boundB := syncRequest(t, mxB.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})
	lowB := boundB.Value.(transport.BindResponse).BoundURL.Low()

	sendResult := syncRequest(t, mxA.Endpoint(), transport.SendMessageRequest{
		Destination: lowB,
		Payload:     []byte("not a frame"),
	})
	require.NoError(t, sendResult.Err)

	msgs := drain(t, mxB.Endpoint(), 2)
	require.Len(t, msgs, 2)
	_, ok := msgs[0].Payload.(transport.IncomingConnectionEvent)
	require.True(t, ok)
	recv, ok := msgs[1].Payload.(transport.ReceivedDataEvent)
	require.True(t, ok)
	require.Equal(t, "not a frame", string(recv.Payload))
}

// TestMultiplex_ReceivedDataForAgentSpaceRoute covers the explicit
// re-injection path (spec §4.D operation 4).
func TestMultiplex_ReceivedDataForAgentSpaceRoute(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	registry := memory.NewRegistry()
	mem := memory.New(registry, logger)
	defer mem.Close()

	mx := New(mem, logger)
	defer mx.Close()

	space := types.SpaceAddress("space1")
	route, err := mx.CreateAgentSpaceRoute(space, types.AgentId("alice"))
	require.NoError(t, err)

	err = mx.ReceivedDataForAgentSpaceRoute(space, types.AgentId("alice"), types.AgentId("bob"), "machine1", []byte("payload"))
	require.NoError(t, err)

	msgs := drain(t, route.Endpoint(), 1)
	recv := msgs[0].Payload.(transport.ReceivedDataEvent)
	require.Equal(t, "payload", string(recv.Payload))
	require.Equal(t, "transportid", recv.URI.Scheme)
	require.Equal(t, "machine1", recv.URI.Authority)
	require.Equal(t, "bob", recv.URI.Query.Get("a"))

	err = mx.ReceivedDataForAgentSpaceRoute(space, types.AgentId("nobody"), types.AgentId("bob"), "machine1", []byte("x"))
	require.ErrorIs(t, err, types.ErrUnknownDestination)
}

// TestMultiplex_DuplicateRouteRejected covers the ChainId-uniqueness
// invariant (spec §4.G: "JoinSpace ... fails if ChainId already present").
func TestMultiplex_DuplicateRouteRejected(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	registry := memory.NewRegistry()
	mem := memory.New(registry, logger)
	defer mem.Close()

	mx := New(mem, logger)
	defer mx.Close()

	_, err := mx.CreateAgentSpaceRoute(types.SpaceAddress("s1"), types.AgentId("alice"))
	require.NoError(t, err)
	_, err = mx.CreateAgentSpaceRoute(types.SpaceAddress("s1"), types.AgentId("alice"))
	require.ErrorIs(t, err, types.ErrChainAlreadyJoined)
}
