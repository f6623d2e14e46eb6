// Package dht implements the mirror-replication DHT actor (spec §4.E): it
// tracks peer presence and entry/aspect holdings, periodically gossips that
// state to known peers, and surfaces hold/peer-timeout events to its owner.
package dht

import "github.com/nimbusmesh/p2p-engine/pkg/types"

// Child-directed operations (spec §4.E). Each is issued via the DHT's
// Endpoint().Request/Publish by the owning gateway.

type RequestThisPeerRequest struct{}

type RequestThisPeerResponse struct {
	Peer types.PeerData
}

type RequestPeerRequest struct {
	PeerName types.PeerName
}

type RequestPeerResponse struct {
	Peer  types.PeerData
	Found bool
}

type HoldPeerRequest struct {
	Peer types.PeerData
}

type HoldPeerResponse struct{}

type HoldEntryAspectAddressRequest struct {
	Entry types.EntryData
}

type HoldEntryAspectAddressResponse struct{}

type BroadcastEntryRequest struct {
	Entry types.EntryData
}

type BroadcastEntryResponse struct{}

type RequestAspectsOfRequest struct {
	Entry types.EntryAddress
}

type RequestAspectsOfResponse struct {
	Aspects []types.AspectAddress
	Found   bool
}

// ListPeersRequest enumerates every peer currently held — used by the
// engine to fan a BroadcastJoinSpace frame out to all known peers (spec
// §4.G JoinSpace), an operation the per-peer RequestPeer alone can't serve.
type ListPeersRequest struct{}

type ListPeersResponse struct {
	Peers []types.PeerData
}

// HandleGossipBundleRequest feeds an inbound gossip bundle (already
// extracted from its wire frame by the gateway) into the merge algorithm.
// The spec's Algorithms paragraph describes this behavior ("on receiving a
// gossip bundle, merge...") without naming the child operation that
// delivers it; this is the filled-in operation name.
type HandleGossipBundleRequest struct {
	FromPeer types.PeerName
	Bundle   GossipBundle
}

type HandleGossipBundleResponse struct{}

// Parent-directed events (spec §4.E), published on the DHT's own half of its
// channel (the owning gateway drains them from Endpoint() via DrainMessages).

type GossipToEvent struct {
	PeerNames []types.PeerName
	Bundle    GossipBundle
}

// GossipUnreliablyToEvent is the best-effort variant: no retry, no ack
// expected from the gateway's send path.
type GossipUnreliablyToEvent struct {
	PeerNames []types.PeerName
	Bundle    GossipBundle
}

type HoldPeerRequestedEvent struct {
	Peer types.PeerData
}

type HoldEntryRequestedEvent struct {
	FromPeer types.PeerName
	Entry    types.EntryData
}

type PeerTimedOutEvent struct {
	PeerName types.PeerName
}

type EntryPrunedEvent struct {
	Entry types.EntryAddress
}

type RequestEntryEvent struct {
	Entry types.EntryAddress
}

// GossipBundle is the opaque-to-the-wire summary of known peers and
// entry/aspect holdings exchanged between DHTs (spec §3's "Pending send" and
// §4.E's "build a bundle summarizing known peers and entry-aspect
// addresses"). Entry bodies are not included — aspect bodies are the
// content store's concern (out of scope); the bundle carries addresses only,
// enough for the receiving side to detect what it is missing.
type GossipBundle struct {
	Peers   []types.PeerData
	Entries []EntrySummary
}

type EntrySummary struct {
	Address types.EntryAddress
	Aspects []types.AspectAddress
}
