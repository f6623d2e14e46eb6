package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/contract"
	"github.com/nimbusmesh/p2p-engine/pkg/dht"
	"github.com/nimbusmesh/p2p-engine/pkg/gateway"
	"github.com/nimbusmesh/p2p-engine/pkg/identity"
	"github.com/nimbusmesh/p2p-engine/pkg/p2pframe"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/transport/encoding"
	"github.com/nimbusmesh/p2p-engine/pkg/transport/memory"
	"github.com/nimbusmesh/p2p-engine/pkg/transport/multiplex"
	"github.com/nimbusmesh/p2p-engine/pkg/transport/relt"
	"github.com/nimbusmesh/p2p-engine/pkg/transport/wstransport"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// Engine is the top-level orchestrator (spec §4.G): one network gateway
// (raw transport wrapped in a multiplex wrapped in a gateway) plus one
// per-(space,agent) gateway for every joined space. It exposes an actor
// Endpoint to its client exactly like any other component in this engine —
// the client issues Request/Publish for client→engine messages and drains
// engine→client events/requests the same way a transport's parent does.
type Engine struct {
	cfg    types.Configuration
	keys   identity.TransportKeys
	logger types.Logger

	mx         *multiplex.Multiplex
	netGateway *gateway.Gateway

	mu        sync.Mutex
	spaces    map[types.ChainId]*gateway.Gateway
	announced map[types.ChainId]map[types.PeerName]bool

	up   *actor.Endpoint
	self *actor.Endpoint

	stop chan struct{}
	done chan struct{}
}

// New constructs an Engine: generates transport keys, builds the network
// gateway stack, binds it, and fires bootstrap connects (spec §4.G
// lifecycle steps 1-4).
func New(cfg types.Configuration, crypto contract.Crypto, logger types.Logger) (*Engine, error) {
	raw, err := buildRawTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(cfg, crypto, logger, raw)
}

// NewWithTransport behaves like New but takes an already-constructed raw
// transport instead of building one from cfg.TransportConfigs — used by
// tests that need several engines to share one in-memory transport registry
// (package memory's Registry is per-instance, not process-wide, by design).
func NewWithTransport(cfg types.Configuration, crypto contract.Crypto, logger types.Logger, raw transport.Transport) (*Engine, error) {
	keys, err := identity.GenerateKeys(crypto)
	if err != nil {
		return nil, err
	}

	enc := encoding.New(keys.PeerName, raw, logger)
	mx := multiplex.New(enc, logger)

	netDHT := dht.New(types.PeerData{PeerName: keys.PeerName, Timestamp: time.Now().UnixMilli()}, cfg.DHTGossipInterval, cfg.DHTTimeoutThreshold, logger)
	netGateway := gateway.New(types.ChainId{}, mx, netDHT, gateway.WrapNone, logger)

	up, self := actor.NewChannel(0)
	e := &Engine{
		cfg:        cfg,
		keys:       keys,
		logger:     logger,
		mx:         mx,
		netGateway: netGateway,
		spaces:     make(map[types.ChainId]*gateway.Gateway),
		announced:  make(map[types.ChainId]map[types.PeerName]bool),
		up:         up,
		self:       self,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if err := e.bind(); err != nil {
		return nil, err
	}
	e.bootstrap()

	go e.run()
	return e, nil
}

func (e *Engine) Endpoint() *actor.Endpoint { return e.up }

func (e *Engine) PeerName() types.PeerName { return e.keys.PeerName }

// NetworkDHT exposes the network-level DHT for diagnostics and tests.
func (e *Engine) NetworkDHT() *dht.DHT { return e.netGateway.DHT() }

// SpaceDHT exposes a joined space's DHT for diagnostics and tests.
func (e *Engine) SpaceDHT(space types.SpaceAddress, agent types.AgentId) (*dht.DHT, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sg, ok := e.spaces[types.ChainId{Space: space, Agent: agent}]
	if !ok {
		return nil, false
	}
	return sg.DHT(), true
}

func buildRawTransport(cfg types.Configuration, logger types.Logger) (transport.Transport, error) {
	if len(cfg.TransportConfigs) == 0 {
		return nil, fmt.Errorf("engine: at least one transport config is required")
	}
	switch tc := cfg.TransportConfigs[0].(type) {
	case types.WebsocketTransportConfig:
		return wstransport.New(tc, logger), nil
	case types.ReltTransportConfig:
		return relt.New(tc.GroupAddress, logger), nil
	case types.MemoryTransportConfig:
		return memory.New(memory.NewRegistry(), logger), nil
	default:
		return nil, fmt.Errorf("engine: unsupported transport config %T", tc)
	}
}

func (e *Engine) bind() error {
	var result actor.CallbackData
	done := make(chan struct{})
	e.netGateway.Endpoint().Request(transport.BindRequest{Spec: e.cfg.BindUrl}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		result = d
		close(done)
	})
	deadline := time.Now().Add(types.DefaultRequestTimeout + time.Second)
	for time.Now().Before(deadline) {
		e.netGateway.Process(time.Now())
		e.netGateway.Endpoint().Process(time.Now())
		select {
		case <-done:
			if result.Err != nil {
				return fmt.Errorf("engine: binding network gateway: %w", result.Err)
			}
			bound := result.Value.(transport.BindResponse).BoundURL
			e.netGateway.DHT().SetThisPeerLocation(bound.Low())
			return nil
		default:
			time.Sleep(time.Millisecond)
		}
	}
	return fmt.Errorf("engine: binding network gateway: %w", types.ErrRequestTimedOut)
}

// bootstrap issues fire-and-forget Connect requests to every configured
// bootstrap URI (spec §4.G step 4): a zero-byte ping to each address, not
// awaited.
func (e *Engine) bootstrap() {
	for _, uri := range e.cfg.BootstrapNodes {
		u := uri
		e.netGateway.Endpoint().Request(transport.SendMessageRequest{Destination: u, Payload: []byte{}}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
			if d.Kind != actor.CallbackResponse || d.Err != nil {
				e.logger.Warnf("engine: bootstrap connect to %s failed: %v", u, d.Err)
			}
		})
	}
}

// Close stops the engine's process loop and releases every gateway it
// owns: each still-joined space gateway, then the network gateway (and,
// transitively, the multiplex and its underlying transport). A space
// gateway left joined this way skips the LeaveSpaceRequest response its
// client would otherwise get, but still tears down its goroutine and its
// transport route. An engine going away entirely has no client left to
// respond to anyway.
func (e *Engine) Close() error {
	close(e.stop)
	<-e.done

	var errs error
	for chainID, sg := range e.snapshotSpacesByID() {
		if err := sg.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("closing space gateway %s: %w", chainID, err))
		}
	}
	if err := e.netGateway.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (e *Engine) run() {
	defer close(e.done)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.process(time.Now())
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
	}
}

// Process advances every actor the engine owns (spec §4.G process loop):
// drain inbox, process the multiplexer (which processes the network
// gateway and its DHT), process every space gateway, sweep is handled per
// endpoint's own tracker. Exposed for callers that want to drive it
// explicitly (tests).
func (e *Engine) Process(now time.Time) bool {
	return e.process(now)
}

func (e *Engine) process(now time.Time) bool {
	didWork := false

	if e.netGateway.Process(now) {
		didWork = true
	}
	if e.netGateway.Endpoint().Process(now) {
		didWork = true
	}
	for _, m := range e.netGateway.Endpoint().DrainMessages() {
		didWork = true
		e.handleNetGatewayEvent(m)
	}

	var errs error
	for _, sg := range e.snapshotSpaces() {
		if sg.Process(now) {
			didWork = true
		}
		if sg.Endpoint().Process(now) {
			didWork = true
		}
		for _, m := range sg.Endpoint().DrainMessages() {
			didWork = true
			if err := e.handleSpaceGatewayEvent(sg, m); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	if errs != nil {
		e.logger.Warnf("engine: space gateway processing errors: %v", errs)
	}

	if e.self.Process(now) {
		didWork = true
	}
	for _, m := range e.self.DrainMessages() {
		didWork = true
		e.handleClientRequest(m)
	}

	return didWork
}

func (e *Engine) snapshotSpaces() []*gateway.Gateway {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*gateway.Gateway, 0, len(e.spaces))
	for _, sg := range e.spaces {
		out = append(out, sg)
	}
	return out
}

func (e *Engine) snapshotSpacesByID() map[types.ChainId]*gateway.Gateway {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.ChainId]*gateway.Gateway, len(e.spaces))
	for id, sg := range e.spaces {
		out[id] = sg
	}
	return out
}

// handleNetGatewayEvent handles parent-directed events bubbled from the
// network gateway: an IncomingConnection becomes Connected, a PeerTimedOut
// becomes Disconnected, and ErrorOccurred is logged (spec has no
// client-facing handler named for them at the network level beyond
// bootstrap acknowledgement). Received data goes to
// handleNetworkReceivedData, which ignores anything that is not a decodable
// BroadcastJoinSpace frame without logging it.
func (e *Engine) handleNetGatewayEvent(m actor.InboundMessage) {
	switch ev := m.Payload.(type) {
	case transport.IncomingConnectionEvent:
		e.self.Publish(ConnectedEvent{PeerURI: ev.URI})
	case transport.ErrorOccurredEvent:
		e.logger.Warnf("engine: network gateway error from %s: %v", ev.URI, ev.Err)
	case transport.ReceivedDataEvent:
		e.handleNetworkReceivedData(ev)
	case dht.PeerTimedOutEvent:
		// A peer the whole node stopped hearing from (not just one space's
		// participant) surfaces as Disconnected toward the client.
		e.self.Publish(DisconnectedEvent{PeerName: ev.PeerName})
	case dht.HoldEntryRequestedEvent, dht.RequestEntryEvent, dht.EntryPrunedEvent:
		// Spec §4.G: network-level DHT housekeeping events are no-ops here;
		// only space-gateway DHT events drive client-facing entry traffic.
	default:
		e.logger.Warnf("engine: unexpected network gateway event %#v", m.Payload)
	}
}

// handleSpaceGatewayEvent implements spec §4.G's per-space-gateway parent
// event handling.
func (e *Engine) handleSpaceGatewayEvent(sg *gateway.Gateway, m actor.InboundMessage) error {
	chainID := e.chainIDOf(sg)
	switch ev := m.Payload.(type) {
	case transport.ReceivedDataEvent:
		return e.handleSpaceReceivedData(chainID, ev)
	case transport.IncomingConnectionEvent, transport.ErrorOccurredEvent:
		// Connection-level events at the space layer don't have a distinct
		// client-facing counterpart beyond the network-level Connected.
	case dht.HoldEntryRequestedEvent:
		for _, aspect := range ev.Entry.Aspects {
			e.self.Request(HandleStoreEntryAspectEvent{
				RequestId: actor.NewRequestID("store"),
				Space:     chainID.Space,
				Agent:     chainID.Agent,
				Entry:     types.EntryData{Address: ev.Entry.Address, Aspects: []types.AspectData{aspect}},
			}, types.DefaultRequestTimeout, func(actor.CallbackData) {})
		}
	case dht.RequestEntryEvent:
		e.self.Request(HandleFetchEntryEvent{
			RequestId: actor.NewRequestID("fetch"),
			Space:     chainID.Space,
			Agent:     chainID.Agent,
			Entry:     ev.Entry,
		}, types.DefaultRequestTimeout, func(actor.CallbackData) {})
	case dht.PeerTimedOutEvent, dht.EntryPrunedEvent:
		// No-op per spec §4.G.
	default:
		return fmt.Errorf("engine: unexpected space gateway event %#v", m.Payload)
	}
	return nil
}

// handleSpaceReceivedData decodes a direct-message frame bubbled up from a
// space gateway (the multiplex route beneath it already matched the
// ChainId, so anything reaching here is addressed to this exact
// space-agent) and surfaces it to the client.
func (e *Engine) handleSpaceReceivedData(chainID types.ChainId, ev transport.ReceivedDataEvent) error {
	fromAgent, _ := ev.URI.PeerName()
	e.self.Publish(HandleSendDirectMessageEvent{
		RequestId: actor.NewRequestID("recv-dm"),
		Space:     chainID.Space,
		FromAgent: types.AgentId(fromAgent),
		ToAgent:   chainID.Agent,
		Payload:   ev.Payload,
	})
	return nil
}

// handleNetworkReceivedData decodes top-level network-gateway traffic that
// isn't addressed to any registered multiplex route (bare pings, and
// BroadcastJoinSpace frames the gateway already consumed for its own DHT but
// also bubbles raw so a locally-joined space can learn the announcing peer
// too).
//
// A space-gateway's periodic gossip only reaches peer names it already
// holds, so the first BroadcastJoinSpace seen for a given (space, peer) pair
// also triggers one reciprocal BroadcastJoinSpace back to the announcer —
// otherwise the announcer would never learn of this side's presence in that
// same space and periodic gossip between the two could never start. The
// announced set makes the reciprocation idempotent, so the two sides don't
// ping-pong announcements back and forth indefinitely.
func (e *Engine) handleNetworkReceivedData(ev transport.ReceivedDataEvent) {
	frame, err := p2pframe.Decode(ev.Payload)
	if err != nil || frame.Kind != p2pframe.KindBroadcastJoinSpace || frame.BroadcastJoinSpace == nil {
		return
	}
	data := frame.BroadcastJoinSpace

	e.mu.Lock()
	var toReciprocate []*gateway.Gateway
	for id, sg := range e.spaces {
		if id.Space != data.Space {
			continue
		}
		seen := e.announced[id]
		if seen == nil {
			seen = make(map[types.PeerName]bool)
			e.announced[id] = seen
		}
		if !seen[data.Peer.PeerName] {
			seen[data.Peer.PeerName] = true
			toReciprocate = append(toReciprocate, sg)
		}
		sg.DHT().Endpoint().Publish(dht.HoldPeerRequest{Peer: data.Peer})
	}
	e.mu.Unlock()

	for _, sg := range toReciprocate {
		e.sendBroadcastJoinSpace(data.Space, sg.DHT().ThisPeer(), data.Peer.PeerLocation)
	}
}

// sendBroadcastJoinSpace encodes and sends a single BroadcastJoinSpace frame
// over the network gateway to destination.
func (e *Engine) sendBroadcastJoinSpace(space types.SpaceAddress, thisPeer types.PeerData, destination types.URI) {
	frame := p2pframe.NewBroadcastJoinSpace(p2pframe.BroadcastJoinSpaceData{Space: space, Peer: thisPeer})
	raw, err := p2pframe.Encode(frame)
	if err != nil {
		e.logger.Warnf("engine: encoding broadcast-join-space frame: %v", err)
		return
	}
	e.netGateway.Endpoint().Request(transport.SendMessageRequest{Destination: destination, Payload: raw}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			e.logger.Warnf("engine: broadcast-join-space reciprocation to %s failed: %v", destination, d.Err)
		}
	})
}

func (e *Engine) chainIDOf(sg *gateway.Gateway) types.ChainId {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, candidate := range e.spaces {
		if candidate == sg {
			return id
		}
	}
	return types.ChainId{}
}

func (e *Engine) handleClientRequest(m actor.InboundMessage) {
	switch req := m.Payload.(type) {
	case ConnectRequest:
		e.handleConnect(m, req)
	case JoinSpaceRequest:
		e.handleJoinSpace(m, req)
	case LeaveSpaceRequest:
		e.handleLeaveSpace(m, req)
	case SendDirectMessageRequest:
		e.handleSendDirectMessage(m, req, false)
	case HandleSendDirectMessageResultRequest:
		e.handleSendDirectMessageResult(m, req)
	case PublishEntryRequest:
		e.handlePublishEntry(m, req)
	case HoldEntryRequest:
		e.handleHoldEntry(m, req)
	case QueryEntryRequest:
		e.handleQueryEntry(m, req)
	case HandleQueryEntryResultRequest:
		e.handleQueryEntryResult(m, req)
	case HandleFetchEntryResultRequest:
		e.handleFetchEntryResult(m, req)
	case HandleGetGossipingEntryListResultRequest:
		e.handleGetGossipingEntryListResult(m, req)
	case HandleGetAuthoringEntryListResultRequest:
		e.handleGetAuthoringEntryListResult(m, req)
	case ShutdownRequest:
		m.Respond(SuccessResult{}, nil)
	default:
		e.logger.Warnf("engine: unexpected client request %#v", m.Payload)
	}
}

// handleConnect implements spec §4.G: "publish an empty SendMessage to
// peer_uri on the network gateway (zero-byte ping triggers the encoding
// handshake + DHT HoldPeer without user data)".
func (e *Engine) handleConnect(m actor.InboundMessage, req ConnectRequest) {
	e.netGateway.Endpoint().Request(transport.SendMessageRequest{Destination: req.PeerURI, Payload: []byte{}}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			m.Respond(FailureResult{RequestId: req.RequestId, Err: d.Err}, nil)
			return
		}
		m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
	})
}

// handleJoinSpace implements spec §4.G JoinSpace.
func (e *Engine) handleJoinSpace(m actor.InboundMessage, req JoinSpaceRequest) {
	chainID := types.ChainId{Space: req.Space, Agent: req.Agent}

	e.mu.Lock()
	if _, exists := e.spaces[chainID]; exists {
		e.mu.Unlock()
		m.Respond(FailureResult{RequestId: req.RequestId, Err: types.ErrChainAlreadyJoined}, nil)
		return
	}
	e.mu.Unlock()

	route, err := e.mx.CreateAgentSpaceRoute(req.Space, req.Agent)
	if err != nil {
		m.Respond(FailureResult{RequestId: req.RequestId, Err: err}, nil)
		return
	}

	thisPeer := types.PeerData{
		PeerName:     types.PeerName(req.Agent),
		PeerLocation: e.netGateway.DHT().ThisPeer().PeerLocation,
		Timestamp:    time.Now().UnixMilli(),
	}
	spaceDHT := dht.New(thisPeer, e.cfg.DHTGossipInterval, e.cfg.DHTTimeoutThreshold, e.logger)
	sg := gateway.New(chainID, route, spaceDHT, gateway.WrapNone, e.logger)

	e.mu.Lock()
	e.spaces[chainID] = sg
	e.mu.Unlock()

	sg.DHT().Endpoint().Publish(dht.HoldPeerRequest{Peer: thisPeer})

	e.broadcastJoinSpace(req.Space, thisPeer)

	m.Respond(SuccessResult{RequestId: req.RequestId}, nil)

	e.self.RequestWithTag(HandleGetGossipingEntryListEvent{RequestId: actor.NewRequestID("gossiping"), Space: req.Space, Agent: req.Agent}, types.DefaultRequestTimeout, "gossiping:"+chainID.String(), func(actor.CallbackData) {})
	e.self.RequestWithTag(HandleGetAuthoringEntryListEvent{RequestId: actor.NewRequestID("authoring"), Space: req.Space, Agent: req.Agent}, types.DefaultRequestTimeout, "authoring:"+chainID.String(), func(actor.CallbackData) {})
}

// broadcastJoinSpace sends a BroadcastJoinSpace frame to every peer the
// network-level DHT currently knows (spec §4.G: "Broadcasts a
// BroadcastJoinSpace(space, this_peer) frame to all known peers via the
// multiplex").
func (e *Engine) broadcastJoinSpace(space types.SpaceAddress, thisPeer types.PeerData) {
	e.netGateway.DHT().Endpoint().Request(dht.ListPeersRequest{}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			return
		}
		peers := d.Value.(dht.ListPeersResponse).Peers
		for _, p := range peers {
			e.sendBroadcastJoinSpace(space, thisPeer, p.PeerLocation)
		}
	})
}

func (e *Engine) handleLeaveSpace(m actor.InboundMessage, req LeaveSpaceRequest) {
	chainID := types.ChainId{Space: req.Space, Agent: req.Agent}
	e.mu.Lock()
	sg, ok := e.spaces[chainID]
	if ok {
		delete(e.spaces, chainID)
	}
	e.mu.Unlock()
	if !ok {
		m.Respond(FailureResult{RequestId: req.RequestId, Err: types.ErrChainNotJoined}, nil)
		return
	}
	if err := sg.Close(); err != nil {
		e.logger.Warnf("engine: closing space gateway for %s: %v", chainID, err)
	}
	m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
}

func (e *Engine) handleSendDirectMessage(m actor.InboundMessage, req SendDirectMessageRequest, isResult bool) {
	if req.FromAgent == req.ToAgent {
		m.Respond(FailureResult{RequestId: req.RequestId, Err: types.ErrMessagingSelf}, nil)
		return
	}
	chainID := types.ChainId{Space: req.Space, Agent: req.FromAgent}
	e.mu.Lock()
	sg, ok := e.spaces[chainID]
	e.mu.Unlock()
	if !ok {
		m.Respond(FailureResult{RequestId: req.RequestId, Err: types.ErrChainNotJoined}, nil)
		return
	}

	dest := types.AgentURI(types.PeerName(req.ToAgent))
	if isResult {
		dest = multiplex.ResultDestination(dest)
	}

	sg.Endpoint().Request(transport.SendMessageRequest{Destination: dest, Payload: req.Payload}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			m.Respond(FailureResult{RequestId: req.RequestId, Err: d.Err}, nil)
			return
		}
		m.Respond(SendDirectMessageResultEvent{
			RequestId: req.RequestId,
			Space:     req.Space,
			FromAgent: req.FromAgent,
			ToAgent:   req.ToAgent,
			Payload:   req.Payload,
		}, nil)
	})
}

func (e *Engine) handleSendDirectMessageResult(m actor.InboundMessage, req HandleSendDirectMessageResultRequest) {
	e.handleSendDirectMessage(m, SendDirectMessageRequest{
		RequestId: req.RequestId,
		Space:     req.Space,
		FromAgent: req.FromAgent,
		ToAgent:   req.ToAgent,
		Payload:   req.Payload,
	}, true)
}

// handlePublishEntry implements spec §4.G PublishEntry: for each aspect,
// emit HandleStoreEntryAspect upward (mirror-reflection), tag with
// HoldEntryRequested, and broadcast the entry on the space DHT.
func (e *Engine) handlePublishEntry(m actor.InboundMessage, req PublishEntryRequest) {
	chainID := types.ChainId{Space: req.Space, Agent: req.Agent}
	e.mu.Lock()
	sg, ok := e.spaces[chainID]
	e.mu.Unlock()
	if !ok {
		m.Respond(FailureResult{RequestId: req.RequestId, Err: types.ErrChainNotJoined}, nil)
		return
	}

	for _, aspect := range req.Entry.Aspects {
		e.self.RequestWithTag(HandleStoreEntryAspectEvent{
			RequestId: actor.NewRequestID("store"),
			Space:     req.Space,
			Agent:     req.Agent,
			Entry:     types.EntryData{Address: req.Entry.Address, Aspects: []types.AspectData{aspect}},
		}, types.DefaultRequestTimeout, "HoldEntryRequested", func(actor.CallbackData) {})
	}

	sg.DHT().Endpoint().Request(dht.BroadcastEntryRequest{Entry: req.Entry}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			m.Respond(FailureResult{RequestId: req.RequestId, Err: d.Err}, nil)
			return
		}
		m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
	})
}

func (e *Engine) handleHoldEntry(m actor.InboundMessage, req HoldEntryRequest) {
	chainID := types.ChainId{Space: req.Space, Agent: req.Agent}
	e.mu.Lock()
	sg, ok := e.spaces[chainID]
	e.mu.Unlock()
	if !ok {
		m.Respond(FailureResult{RequestId: req.RequestId, Err: types.ErrChainNotJoined}, nil)
		return
	}
	sg.DHT().Endpoint().Request(dht.HoldEntryAspectAddressRequest{Entry: req.Entry}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			m.Respond(FailureResult{RequestId: req.RequestId, Err: d.Err}, nil)
			return
		}
		m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
	})
}

// handleQueryEntry implements the mirror-variant reflection: "for this
// mirror variant, reflected back as HandleQueryEntry / QueryEntryResult"
// (spec §4.G).
func (e *Engine) handleQueryEntry(m actor.InboundMessage, req QueryEntryRequest) {
	e.self.Request(HandleQueryEntryEvent{
		RequestId: req.RequestId,
		Space:     req.Space,
		Agent:     req.Agent,
		Entry:     req.Entry,
	}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		m.Respond(d.Value, d.Err)
	})
}

func (e *Engine) handleQueryEntryResult(m actor.InboundMessage, req HandleQueryEntryResultRequest) {
	e.self.Publish(QueryEntryResultEvent{
		RequestId: req.RequestId,
		Space:     req.Space,
		Agent:     req.Agent,
		Entry:     req.Entry,
	})
	m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
}

// handleFetchEntryResult implements spec §4.G: routed to the space DHT as
// BroadcastEntry when the triggering request was DataForAuthorEntry, else
// HoldEntryAspectAddress. The triggering kind travels in TriggeringTag.
func (e *Engine) handleFetchEntryResult(m actor.InboundMessage, req HandleFetchEntryResultRequest) {
	tag, _ := req.TriggeringTag.(string)
	e.applyFetchEntryResult(req.Space, req.Agent, req.Entry, tag, func(err error) {
		if err != nil {
			m.Respond(FailureResult{RequestId: req.RequestId, Err: err}, nil)
			return
		}
		m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
	})
}

// applyFetchEntryResult is the shared routing step behind handleFetchEntryResult:
// BroadcastEntry when tag is "DataForAuthorEntry" (the authoring entry-list
// path), else HoldEntryAspectAddress (on-demand fetch / gossiping entry-list
// path). Split out so the fetch triggered directly off HandleFetchEntryEvent's
// own response (the gossiping/authoring loops below) can reach the same
// branch without a client round trip through handleClientRequest.
func (e *Engine) applyFetchEntryResult(space types.SpaceAddress, agent types.AgentId, entry types.EntryData, tag string, done func(error)) {
	chainID := types.ChainId{Space: space, Agent: agent}
	e.mu.Lock()
	sg, ok := e.spaces[chainID]
	e.mu.Unlock()
	if !ok {
		done(types.ErrChainNotJoined)
		return
	}

	var payload interface{}
	if tag == "DataForAuthorEntry" {
		payload = dht.BroadcastEntryRequest{Entry: entry}
	} else {
		payload = dht.HoldEntryAspectAddressRequest{Entry: entry}
	}
	sg.DHT().Endpoint().Request(payload, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			done(d.Err)
			return
		}
		done(nil)
	})
}

// fetchEntryForList emits HandleFetchEntry upward for addr and, once the
// client answers, routes the result via applyFetchEntryResult tagged with
// tag — the shared loop body behind both handleGetGossipingEntryListResult
// and handleGetAuthoringEntryListResult (spec §4.G/§9).
func (e *Engine) fetchEntryForList(space types.SpaceAddress, agent types.AgentId, addr types.EntryAddress, tag string) {
	e.self.Request(HandleFetchEntryEvent{
		RequestId: actor.NewRequestID("fetch"),
		Space:     space,
		Agent:     agent,
		Entry:     addr,
	}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			return
		}
		result, ok := d.Value.(HandleFetchEntryResultRequest)
		if !ok {
			return
		}
		e.applyFetchEntryResult(result.Space, result.Agent, result.Entry, tag, func(error) {})
	})
}

// handleGetGossipingEntryListResult implements spec §4.G: "for each entry
// address, reserve a request id and emit HandleFetchEntry upward with that
// id". Fetched entries land via HoldEntryAspectAddress (untagged).
func (e *Engine) handleGetGossipingEntryListResult(m actor.InboundMessage, req HandleGetGossipingEntryListResultRequest) {
	for _, addr := range req.EntryAddrs {
		e.fetchEntryForList(req.Space, req.Agent, addr, "")
	}
	m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
}

// handleGetAuthoringEntryListResult issues one HandleFetchEntry for every
// entry address the client reports as locally authored; addresses the DHT
// already holds are fetched again too. Unlike the gossiping sibling, each
// fetch is tagged DataForAuthorEntry so its result broadcasts the entry to
// the space instead of merely holding its aspect address as a gossip hint.
func (e *Engine) handleGetAuthoringEntryListResult(m actor.InboundMessage, req HandleGetAuthoringEntryListResultRequest) {
	for _, addr := range req.EntryAddrs {
		e.fetchEntryForList(req.Space, req.Agent, addr, "DataForAuthorEntry")
	}
	m.Respond(SuccessResult{RequestId: req.RequestId}, nil)
}
