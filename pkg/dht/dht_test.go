package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

func syncRequest(t *testing.T, ep *actor.Endpoint, tick func(time.Time) bool, payload interface{}) actor.CallbackData {
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
		tick(time.Now())
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

func newTestPeer(name string, ts int64) types.PeerData {
	return types.PeerData{
		PeerName:     types.PeerName(name),
		PeerLocation: types.MustParseURI("mem://" + name),
		Timestamp:    ts,
	}
}

func TestDHT_RequestThisPeer(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	this := newTestPeer("self", 1)
	d := New(this, time.Hour, 0, logger)

	resp := syncRequest(t, d.Endpoint(), d.Tick, RequestThisPeerRequest{})
	require.NoError(t, resp.Err)
	require.Equal(t, this, resp.Value.(RequestThisPeerResponse).Peer)
}

func TestDHT_HoldPeerNewerTimestampWins(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	d := New(newTestPeer("self", 1), time.Hour, 0, logger)

	r1 := syncRequest(t, d.Endpoint(), d.Tick, HoldPeerRequest{Peer: newTestPeer("p1", 100)})
	require.NoError(t, r1.Err)

	// Stale update must not overwrite.
	syncRequest(t, d.Endpoint(), d.Tick, HoldPeerRequest{Peer: newTestPeer("p1", 50)})
	got := syncRequest(t, d.Endpoint(), d.Tick, RequestPeerRequest{PeerName: types.PeerName("p1")})
	resp := got.Value.(RequestPeerResponse)
	require.True(t, resp.Found)
	require.Equal(t, int64(100), resp.Peer.Timestamp)

	// Fresher update wins.
	syncRequest(t, d.Endpoint(), d.Tick, HoldPeerRequest{Peer: newTestPeer("p1", 200)})
	got = syncRequest(t, d.Endpoint(), d.Tick, RequestPeerRequest{PeerName: types.PeerName("p1")})
	resp = got.Value.(RequestPeerResponse)
	require.Equal(t, int64(200), resp.Peer.Timestamp)
}

func TestDHT_RequestPeerUnknown(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	d := New(newTestPeer("self", 1), time.Hour, 0, logger)

	got := syncRequest(t, d.Endpoint(), d.Tick, RequestPeerRequest{PeerName: types.PeerName("nobody")})
	require.False(t, got.Value.(RequestPeerResponse).Found)
}

func TestDHT_HoldEntryAspectAddressIsHeldInvariant(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	d := New(newTestPeer("self", 1), time.Hour, 0, logger)

	entry := types.EntryData{
		Address: types.EntryAddress("e1"),
		Aspects: []types.AspectData{
			{Address: types.AspectAddress("a1")},
			{Address: types.AspectAddress("a2")},
		},
	}
	syncRequest(t, d.Endpoint(), d.Tick, HoldEntryAspectAddressRequest{Entry: entry})

	got := syncRequest(t, d.Endpoint(), d.Tick, RequestAspectsOfRequest{Entry: entry.Address})
	resp := got.Value.(RequestAspectsOfResponse)
	require.True(t, resp.Found)
	require.Len(t, resp.Aspects, 2)

	// Idempotent: re-holding the same entry doesn't duplicate aspects.
	syncRequest(t, d.Endpoint(), d.Tick, HoldEntryAspectAddressRequest{Entry: entry})
	got = syncRequest(t, d.Endpoint(), d.Tick, RequestAspectsOfRequest{Entry: entry.Address})
	require.Len(t, got.Value.(RequestAspectsOfResponse).Aspects, 2)
}

func TestDHT_MergeBundleEmitsHoldEntryRequestedForUnknownAspects(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	d := New(newTestPeer("self", 1), time.Hour, 0, logger)

	bundle := GossipBundle{
		Peers: []types.PeerData{newTestPeer("remote", 50)},
		Entries: []EntrySummary{
			{Address: types.EntryAddress("e1"), Aspects: []types.AspectAddress{types.AspectAddress("a1")}},
		},
	}
	syncRequest(t, d.Endpoint(), d.Tick, HandleGossipBundleRequest{FromPeer: types.PeerName("remote"), Bundle: bundle})

	deadline := time.Now().Add(2 * time.Second)
	var sawHoldPeerRequested, sawHoldEntryRequested bool
	for time.Now().Before(deadline) && !(sawHoldPeerRequested && sawHoldEntryRequested) {
		d.Tick(time.Now())
		for _, m := range d.Endpoint().DrainMessages() {
			switch ev := m.Payload.(type) {
			case HoldPeerRequestedEvent:
				sawHoldPeerRequested = true
				require.Equal(t, types.PeerName("remote"), ev.Peer.PeerName)
			case HoldEntryRequestedEvent:
				sawHoldEntryRequested = true
				require.Equal(t, types.PeerName("remote"), ev.FromPeer)
				require.Equal(t, types.EntryAddress("e1"), ev.Entry.Address)
			}
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, sawHoldPeerRequested)
	require.True(t, sawHoldEntryRequested)
}

func TestDHT_PeerTimeout(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	d := New(newTestPeer("self", 1), time.Hour, 50*time.Millisecond, logger)

	staleTimestamp := time.Now().Add(-time.Hour).UnixMilli()
	syncRequest(t, d.Endpoint(), d.Tick, HoldPeerRequest{Peer: newTestPeer("stale", staleTimestamp)})

	deadline := time.Now().Add(2 * time.Second)
	var sawTimeout bool
	for time.Now().Before(deadline) && !sawTimeout {
		d.Tick(time.Now())
		for _, m := range d.Endpoint().DrainMessages() {
			if ev, ok := m.Payload.(PeerTimedOutEvent); ok {
				require.Equal(t, types.PeerName("stale"), ev.PeerName)
				sawTimeout = true
			}
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, sawTimeout)
}

func TestDHT_PeriodicGossip(t *testing.T) {
	logger := types.NewZapLogger(zapcore.ErrorLevel)
	d := New(newTestPeer("self", 1), 10*time.Millisecond, 0, logger)

	syncRequest(t, d.Endpoint(), d.Tick, HoldPeerRequest{Peer: newTestPeer("p1", time.Now().UnixMilli())})

	deadline := time.Now().Add(2 * time.Second)
	var sawGossip bool
	for time.Now().Before(deadline) && !sawGossip {
		d.Tick(time.Now())
		for _, m := range d.Endpoint().DrainMessages() {
			if ev, ok := m.Payload.(GossipToEvent); ok {
				require.Contains(t, ev.PeerNames, types.PeerName("p1"))
				sawGossip = true
			}
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, sawGossip)
}
