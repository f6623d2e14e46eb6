// Package engine implements the top-level orchestration component (spec
// §4.G): one network gateway (transport wrapped in a multiplex wrapped in a
// gateway) plus one per-(space,agent) gateway for every joined space,
// translating the client↔engine protocol (spec §6) and driving bootstrap
// connects.
package engine

import "github.com/nimbusmesh/p2p-engine/pkg/types"

// Client→engine messages (spec §6).

type ConnectRequest struct {
	RequestId types.RequestId
	PeerURI   types.URI
}

type JoinSpaceRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
}

type LeaveSpaceRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
}

type SendDirectMessageRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	FromAgent types.AgentId
	ToAgent   types.AgentId
	Payload   []byte
}

type HandleSendDirectMessageResultRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	FromAgent types.AgentId
	ToAgent   types.AgentId
	Payload   []byte
}

type PublishEntryRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryData
}

type HoldEntryRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryData
}

type QueryEntryRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryAddress
}

type HandleQueryEntryResultRequest struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryData
}

type HandleFetchEntryResultRequest struct {
	RequestId       types.RequestId
	Space           types.SpaceAddress
	Agent           types.AgentId
	Entry           types.EntryData
	TriggeringTag   interface{}
}

type HandleGetAuthoringEntryListResultRequest struct {
	RequestId   types.RequestId
	Space       types.SpaceAddress
	Agent       types.AgentId
	EntryAddrs  []types.EntryAddress
}

type HandleGetGossipingEntryListResultRequest struct {
	RequestId  types.RequestId
	Space      types.SpaceAddress
	Agent      types.AgentId
	EntryAddrs []types.EntryAddress
}

type ShutdownRequest struct{}

// Engine→client messages (spec §6).

type SuccessResult struct {
	RequestId types.RequestId
}

type FailureResult struct {
	RequestId types.RequestId
	Err       error
}

type ConnectedEvent struct {
	PeerURI types.URI
}

type DisconnectedEvent struct {
	PeerName types.PeerName
}

type SendDirectMessageResultEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	FromAgent types.AgentId
	ToAgent   types.AgentId
	Payload   []byte
}

type HandleSendDirectMessageEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	FromAgent types.AgentId
	ToAgent   types.AgentId
	Payload   []byte
}

type HandleStoreEntryAspectEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryData
}

type HandleFetchEntryEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryAddress
}

type HandleQueryEntryEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryAddress
}

type QueryEntryResultEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
	Entry     types.EntryData
}

type HandleGetAuthoringEntryListEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
}

type HandleGetGossipingEntryListEvent struct {
	RequestId types.RequestId
	Space     types.SpaceAddress
	Agent     types.AgentId
}
