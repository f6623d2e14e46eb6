package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/dht"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/transport/memory"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

func syncRequest(t *testing.T, ep *actor.Endpoint, payload interface{}) actor.CallbackData {
	t.Helper()
	var out actor.CallbackData
	done := make(chan struct{})
	ep.Request(payload, 5*time.Second, func(d actor.CallbackData) {
		out = d
		close(done)
	})
	deadline := time.Now().Add(5 * time.Second)
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

func newTestPeer(name string, loc types.URI, ts int64) types.PeerData {
	return types.PeerData{PeerName: types.PeerName(name), PeerLocation: loc, Timestamp: ts}
}

// TestGateway_SendToUnresolvedPeerExhaustsRetries exercises the retry-bound
// invariant (spec §8, invariant 5): a send to a peer name the DHT never
// resolves fails with ErrRetriesExhausted after MaxRetryAttempts attempts,
// rather than retrying forever.
func TestGateway_SendToUnresolvedPeerExhaustsRetries(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	registry := memory.NewRegistry()
	mem := memory.New(registry, logger)
	defer mem.Close()

	d := dht.New(newTestPeer("self", types.MustParseURI("mem://self"), 1), time.Hour, 0, logger)
	g := New(types.ChainId{}, mem, d, WrapNone, logger)
	defer g.Close()

	syncRequest(t, g.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})

	dest := types.MustParseURI("mem://unused").WithPeerName(types.PeerName("ghost"))
	result := syncRequest(t, g.Endpoint(), transport.SendMessageRequest{Destination: dest, Payload: []byte("hi")})
	require.ErrorIs(t, result.Err, types.ErrRetriesExhausted)
}

// TestGateway_IncomingConnectionExchangesPeerName exercises the new-
// connection PeerName exchange (spec §4.F): gateway A connecting to gateway
// B causes B's DHT to learn A's PeerData from the PeerName frame A sends.
func TestGateway_IncomingConnectionExchangesPeerName(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	registry := memory.NewRegistry()

	memA := memory.New(registry, logger)
	memB := memory.New(registry, logger)
	defer memA.Close()
	defer memB.Close()

	dA := dht.New(newTestPeer("A", types.URI{}, 1), time.Hour, 0, logger)
	dB := dht.New(newTestPeer("B", types.URI{}, 1), time.Hour, 0, logger)

	gA := New(types.ChainId{}, memA, dA, WrapNone, logger)
	gB := New(types.ChainId{}, memB, dB, WrapNone, logger)
	defer gA.Close()
	defer gB.Close()

	boundA := syncRequest(t, gA.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})
	boundB := syncRequest(t, gB.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})
	lowA := boundA.Value.(transport.BindResponse).BoundURL.Low()
	lowB := boundB.Value.(transport.BindResponse).BoundURL.Low()
	_ = lowA

	syncRequest(t, gA.Endpoint(), transport.SendMessageRequest{Destination: lowB, Payload: []byte{}})

	msgs := drain(t, gB.Endpoint(), 1)
	_, ok := msgs[0].Payload.(transport.IncomingConnectionEvent)
	require.True(t, ok)

	deadline := time.Now().Add(3 * time.Second)
	var found dht.RequestPeerResponse
	for time.Now().Before(deadline) {
		got := syncRequest(t, gB.Endpoint(), dht.RequestPeerRequest{PeerName: types.PeerName("A")})
		found = got.Value.(dht.RequestPeerResponse)
		if found.Found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, found.Found)
}
