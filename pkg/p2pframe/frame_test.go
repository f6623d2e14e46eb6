package p2pframe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

func TestEncodeDecode_DirectMessageRoundTrips(t *testing.T) {
	f := NewDirectMessage(DirectMessageData{
		Space:     types.SpaceAddress("space1"),
		FromAgent: types.AgentId("alice"),
		ToAgent:   types.AgentId("bob"),
		RequestId: types.RequestId("req-1"),
		Payload:   []byte("ping"),
	})

	raw, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)

	require.Equal(t, KindDirectMessage, got.Kind)
	require.NotNil(t, got.DirectMessage)
	require.Equal(t, f.DirectMessage, got.DirectMessage)
	require.Nil(t, got.Gossip)
	require.Nil(t, got.PeerName)
}

func TestEncodeDecode_PeerNameRoundTrips(t *testing.T) {
	f := NewPeerName(PeerNameData{
		GatewayId: types.NetworkId("net1"),
		PeerName:  types.PeerName("HcScABCDEFG"),
		Timestamp: 1234567,
	})

	raw, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, KindPeerName, got.Kind)
	require.Equal(t, f.PeerName, got.PeerName)
}

func TestEncodeDecode_GossipRoundTrips(t *testing.T) {
	f := NewGossip(GossipData{
		Space:    types.SpaceAddress("space1"),
		ToPeer:   types.PeerName("peerA"),
		FromPeer: types.PeerName("peerB"),
		Bundle:   []byte{1, 2, 3},
	})

	raw, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecode_UndecodableFrame(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x01})
	require.Error(t, err)
}
