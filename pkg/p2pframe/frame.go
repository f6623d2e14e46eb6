// Package p2pframe implements the P2P on-the-wire frame (spec §6): the
// tagged union exchanged between gateways (and, for the DirectMessage
// variant, between a transport-multiplex route and its underlying
// transport). It is serialized with github.com/vmihailenco/msgpack/v5, a
// MessagePack-compatible, self-describing binary encoding, matching spec
// §6's "e.g. MessagePack-compatible" requirement and the compatibility
// requirement that decoding always recovers the identical variant.
package p2pframe

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// Kind discriminates the Frame union's active field.
type Kind string

const (
	KindPeerName            Kind = "peer_name"
	KindBroadcastJoinSpace  Kind = "broadcast_join_space"
	KindGossip              Kind = "gossip"
	KindDirectMessage       Kind = "direct_message"
	KindDirectMessageResult Kind = "direct_message_result"
)

// PeerNameData matches spec §6: "PeerName(gateway_id, peer_name, timestamp)".
type PeerNameData struct {
	GatewayId types.NetworkId
	PeerName  types.PeerName
	Timestamp int64
}

// BroadcastJoinSpaceData matches "BroadcastJoinSpace(space, peer)".
type BroadcastJoinSpaceData struct {
	Space types.SpaceAddress
	Peer  types.PeerData
}

// GossipData matches "Gossip { space, to_peer, from_peer, bundle }".
type GossipData struct {
	Space    types.SpaceAddress
	ToPeer   types.PeerName
	FromPeer types.PeerName
	Bundle   []byte
}

// DirectMessageData is shared by the DirectMessage and DirectMessageResult
// variants, and is also the frame the transport multiplex wraps a routed
// SendMessage in (spec §4.D: "{space, from_agent, to_agent, payload}").
type DirectMessageData struct {
	Space     types.SpaceAddress
	FromAgent types.AgentId
	ToAgent   types.AgentId
	RequestId types.RequestId
	Payload   []byte
}

// Frame is the closed sum type. Exactly one of the pointer fields is set,
// selected by Kind — adding a variant is, by design (spec §9), a breaking
// protocol change, not an open-ended extension point.
type Frame struct {
	Kind Kind `msgpack:"kind"`

	PeerName            *PeerNameData           `msgpack:"peer_name,omitempty"`
	BroadcastJoinSpace  *BroadcastJoinSpaceData `msgpack:"broadcast_join_space,omitempty"`
	Gossip              *GossipData             `msgpack:"gossip,omitempty"`
	DirectMessage       *DirectMessageData      `msgpack:"direct_message,omitempty"`
	DirectMessageResult *DirectMessageData      `msgpack:"direct_message_result,omitempty"`
}

func NewPeerName(d PeerNameData) Frame {
	return Frame{Kind: KindPeerName, PeerName: &d}
}

func NewBroadcastJoinSpace(d BroadcastJoinSpaceData) Frame {
	return Frame{Kind: KindBroadcastJoinSpace, BroadcastJoinSpace: &d}
}

func NewGossip(d GossipData) Frame {
	return Frame{Kind: KindGossip, Gossip: &d}
}

func NewDirectMessage(d DirectMessageData) Frame {
	return Frame{Kind: KindDirectMessage, DirectMessage: &d}
}

func NewDirectMessageResult(d DirectMessageData) Frame {
	return Frame{Kind: KindDirectMessageResult, DirectMessageResult: &d}
}

// Encode serializes f to its wire form.
func Encode(f Frame) ([]byte, error) {
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding p2p frame: %w", err)
	}
	return b, nil
}

// Decode deserializes raw into a Frame. Per spec §6's compatibility
// requirement, a successfully-decoded frame always recovers the identical
// Kind and field values it was encoded with.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", types.ErrUndecodableFrame, err)
	}
	return f, nil
}
