package encoding

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

// TestEncoding_HandshakeThenDeliver exercises scenario S2 from spec §8.
func TestEncoding_HandshakeThenDeliver(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	registry := memory.NewRegistry()

	memA := memory.New(registry, logger)
	memB := memory.New(registry, logger)
	defer memA.Close()
	defer memB.Close()

	encA := New(types.PeerName("ID_1"), memA, logger)
	encB := New(types.PeerName("ID_2"), memB, logger)
	defer encA.Close()
	defer encB.Close()

	boundA := syncRequest(t, encA.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})
	boundB := syncRequest(t, encB.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("mem://_")})

	lowA := boundA.Value.(transport.BindResponse).BoundURL.Low()
	lowB := boundB.Value.(transport.BindResponse).BoundURL.Low()

	// A's bound_url must be rewritten to carry its own identity.
	require.Equal(t, "ID_1", boundA.Value.(transport.BindResponse).BoundURL.Query.Get("a"))

	sendResult := syncRequest(t, encA.Endpoint(), transport.SendMessageRequest{
		Destination: lowB,
		Payload:     []byte("hello"),
	})
	require.NoError(t, sendResult.Err)

	// B's parent must see exactly one IncomingConnection then one
	// ReceivedData, both carrying A's identity-qualified URI.
	msgs := drain(t, encB.Endpoint(), 2)
	require.Len(t, msgs, 2)

	inc, ok := msgs[0].Payload.(transport.IncomingConnectionEvent)
	require.True(t, ok)
	require.Equal(t, "ID_1", mustPeerName(t, inc.URI))
	require.Equal(t, lowA.Authority, inc.URI.Low().Authority)

	recv, ok := msgs[1].Payload.(transport.ReceivedDataEvent)
	require.True(t, ok)
	require.Equal(t, "hello", string(recv.Payload))
	require.Equal(t, "ID_1", mustPeerName(t, recv.URI))
}

func mustPeerName(t *testing.T, u types.URI) string {
	t.Helper()
	name, ok := u.PeerName()
	require.True(t, ok)
	return string(name)
}
