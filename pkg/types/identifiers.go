// Package types holds the shared data model of the p2p-engine: the opaque
// address types, peer/entry records, the logger contract and the node
// configuration. It has no dependency on any other engine package so that
// every layer (actor, transport, dht, gateway, engine) can import it without
// creating cycles.
package types

import "fmt"

// RequestId correlates a request with its eventual response or timeout.
// Callers may supply a human-readable prefix (e.g. "join-space") purely for
// log legibility; uniqueness comes from the generator, not the prefix.
type RequestId string

// AgentId, SpaceAddress and NetworkId are opaque hash-like addresses. They are
// kept as distinct string types (rather than a single alias) so the compiler
// catches a SpaceAddress accidentally passed where an AgentId is expected.
type AgentId string

type SpaceAddress string

type NetworkId string

// PeerName names a node within the DHT namespace. It is the base58 encoding
// of the node's signing public key (see package identity).
type PeerName string

// ChainId is the pair (SpaceAddress, AgentId) identifying a space-gateway.
type ChainId struct {
	Space SpaceAddress
	Agent AgentId
}

func (c ChainId) String() string {
	return fmt.Sprintf("%s::%s", c.Space, c.Agent)
}

// EntryAddress and AspectAddress address entry/aspect content by hash. The
// content itself is out of scope (see package contract.EntryStore).
type EntryAddress string

type AspectAddress string
