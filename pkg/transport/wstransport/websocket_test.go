package wstransport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
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

func newTestLogger() types.Logger {
	return types.NewZapLogger(zapcore.ErrorLevel)
}

// TestTransport_BindThenSendRoundTrips binds two transports on loopback and
// sends a payload across the resulting websocket connection, exercising the
// dial-on-first-send/cache-connection path.
func TestTransport_BindThenSendRoundTrips(t *testing.T) {
	logger := newTestLogger()

	server := New(types.WebsocketTransportConfig{}, logger)
	defer server.Close()
	client := New(types.WebsocketTransportConfig{}, logger)
	defer client.Close()

	serverBound := syncRequest(t, server.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("ws://127.0.0.1:0")})
	serverURL := serverBound.Value.(transport.BindResponse).BoundURL

	clientBound := syncRequest(t, client.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("ws://127.0.0.1:0")})
	require.NotEmpty(t, clientBound.Value.(transport.BindResponse).BoundURL.Authority)

	sendResult := syncRequest(t, client.Endpoint(), transport.SendMessageRequest{Destination: serverURL, Payload: []byte("hello")})
	_, ok := sendResult.Value.(transport.SendMessageResponse)
	require.True(t, ok, "expected SendMessageResponse, got %#v / %v", sendResult.Value, sendResult.Err)

	msgs := drain(t, server.Endpoint(), 2)
	var sawConn, sawData bool
	for _, m := range msgs {
		switch ev := m.Payload.(type) {
		case transport.IncomingConnectionEvent:
			sawConn = true
		case transport.ReceivedDataEvent:
			sawData = true
			require.Equal(t, []byte("hello"), ev.Payload)
		}
	}
	require.True(t, sawConn, "expected an IncomingConnectionEvent")
	require.True(t, sawData, "expected a ReceivedDataEvent")
}

// TestTransport_DoubleBindFails exercises the ErrAlreadyBound invariant
// shared across every transport implementation.
func TestTransport_DoubleBindFails(t *testing.T) {
	logger := newTestLogger()
	tr := New(types.WebsocketTransportConfig{}, logger)
	defer tr.Close()

	first := syncRequest(t, tr.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("ws://127.0.0.1:0")})
	require.NoError(t, first.Err)

	second := syncRequest(t, tr.Endpoint(), transport.BindRequest{Spec: types.MustParseURI("ws://127.0.0.1:0")})
	require.ErrorIs(t, second.Err, types.ErrAlreadyBound)
}

// TestTransport_SendBeforeBindFails exercises the ErrNotBound invariant.
func TestTransport_SendBeforeBindFails(t *testing.T) {
	logger := newTestLogger()
	tr := New(types.WebsocketTransportConfig{}, logger)
	defer tr.Close()

	result := syncRequest(t, tr.Endpoint(), transport.SendMessageRequest{Destination: types.MustParseURI("ws://127.0.0.1:1"), Payload: []byte("x")})
	require.ErrorIs(t, result.Err, types.ErrNotBound)
}
