// Package gateway implements component F (spec §4.F): a gateway owns one
// child transport (an encoding-wrapped raw transport, or a multiplex route)
// and one DHT actor, presenting both a transport-like and a DHT-like
// surface to its own parent.
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/dht"
	"github.com/nimbusmesh/p2p-engine/pkg/p2pframe"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// WrapOutputType controls whether outbound payloads are wrapped in a P2P
// DirectMessage frame before being handed to the child transport (spec
// §4.F step 2: "optionally wrap the payload ... when wrap_output_type =
// WrapWithP2pDirectMessage").
type WrapOutputType int

const (
	WrapNone WrapOutputType = iota
	WrapWithP2pDirectMessage
)

type pendingSend struct {
	destination types.URI
	payload     []byte
	attempts    int
	respond     func(value interface{}, err error)
}

// Gateway composes a child transport and a DHT. chainID identifies which
// ChainId (if any) this gateway serves — the network gateway has Agent
// == "" and Space == "", a per-space gateway has both set.
type Gateway struct {
	chainID    types.ChainId
	wrapOutput WrapOutputType
	logger     types.Logger

	down transport.Transport
	dht  *dht.DHT

	mu      sync.Mutex
	retries map[string]*pendingSend

	up   *actor.Endpoint
	self *actor.Endpoint

	stop chan struct{}
	done chan struct{}
}

// New constructs a Gateway. chainID is the zero value for the network
// gateway.
func New(chainID types.ChainId, down transport.Transport, d *dht.DHT, wrapOutput WrapOutputType, logger types.Logger) *Gateway {
	up, self := actor.NewChannel(0)
	g := &Gateway{
		chainID:    chainID,
		wrapOutput: wrapOutput,
		logger:     logger,
		down:       down,
		dht:        d,
		retries:    make(map[string]*pendingSend),
		up:         up,
		self:       self,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go g.run()
	return g
}

func (g *Gateway) Endpoint() *actor.Endpoint { return g.up }

func (g *Gateway) DHT() *dht.DHT { return g.dht }

func (g *Gateway) Close() error {
	close(g.stop)
	<-g.done
	return g.down.Close()
}

func (g *Gateway) run() {
	defer close(g.done)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		g.process(time.Now())
		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}
	}
}

// process advances every actor this gateway owns in one cooperative step
// (spec §4.G process loop: "process multiplexer (which processes the
// network gateway and its DHT)").
func (g *Gateway) process(now time.Time) bool {
	didWork := false

	if g.down.Endpoint().Process(now) {
		didWork = true
	}
	for _, m := range g.down.Endpoint().DrainMessages() {
		didWork = true
		g.handleDownEvent(m)
	}

	if g.dht.Tick(now) {
		didWork = true
	}
	if g.dht.Endpoint().Process(now) {
		didWork = true
	}
	for _, m := range g.dht.Endpoint().DrainMessages() {
		didWork = true
		g.handleDhtEvent(m)
	}

	if g.self.Process(now) {
		didWork = true
	}
	for _, m := range g.self.DrainMessages() {
		didWork = true
		g.handleUpRequest(m)
	}

	return didWork
}

// Process lets an owner (the engine) explicitly drive this gateway when it
// isn't already running its own goroutine loop; used by tests and by the
// engine's process loop description (spec §4.G: "process every space
// gateway").
func (g *Gateway) Process(now time.Time) bool {
	return g.process(now)
}

func (g *Gateway) handleUpRequest(m actor.InboundMessage) {
	switch req := m.Payload.(type) {
	case transport.BindRequest:
		g.down.Endpoint().Request(req, types.DefaultRequestTimeout, func(d actor.CallbackData) {
			m.Respond(d.Value, d.Err)
		})
	case transport.SendMessageRequest:
		g.sendWithRetry(req.Destination, req.Payload, m.Respond)
	case dht.RequestThisPeerRequest, dht.RequestPeerRequest, dht.HoldPeerRequest,
		dht.HoldEntryAspectAddressRequest, dht.BroadcastEntryRequest, dht.RequestAspectsOfRequest,
		dht.ListPeersRequest:
		g.dht.Endpoint().Request(req, types.DefaultRequestTimeout, func(d actor.CallbackData) {
			m.Respond(d.Value, d.Err)
		})
	default:
		g.logger.Warnf("gateway: unexpected upward request %#v", m.Payload)
	}
}

// sendWithRetry resolves destination via the DHT (if it names a peer) and
// forwards to the child transport, retrying resolution up to
// MaxRetryAttempts before surfacing ErrRetriesExhausted (spec §4.F outbound
// send path; spec §8 invariant 5 bounds the retry count).
func (g *Gateway) sendWithRetry(destination types.URI, payload []byte, respond func(interface{}, error)) {
	name, isPeerAddressed := destination.PeerName()
	if !isPeerAddressed {
		if destination.Scheme == "agentId" {
			name = types.PeerName(destination.Authority)
			isPeerAddressed = true
		}
	}

	if !isPeerAddressed {
		g.forwardDown(destination, payload, respond)
		return
	}

	g.dht.Endpoint().Request(dht.RequestPeerRequest{PeerName: name}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			g.retry(name, payload, destination, respond)
			return
		}
		resp := d.Value.(dht.RequestPeerResponse)
		if !resp.Found {
			g.retry(name, payload, destination, respond)
			return
		}

		out := payload
		if g.wrapOutput == WrapWithP2pDirectMessage {
			frame := p2pframe.NewDirectMessage(p2pframe.DirectMessageData{
				Space:     g.chainID.Space,
				FromAgent: g.chainID.Agent,
				ToAgent:   types.AgentId(name),
				RequestId: actor.NewRequestID("dm"),
				Payload:   payload,
			})
			encoded, err := p2pframe.Encode(frame)
			if err != nil {
				respond(nil, fmt.Errorf("gateway: encoding direct-message frame: %w", err))
				return
			}
			out = encoded
		}

		// Tag the resolved low-level destination with the peer's own name,
		// preserving any other query tags the caller set on the original
		// destination (e.g. a multiplex route's dm-kind marker), so a route
		// beneath us can still recover who the addressee is and which frame
		// variant to wrap with after this rewrite (spec §4.D needs a
		// to_agent; the mirror variant's per-space DHT keys peers by
		// agent-as-peer-name, see design notes).
		resolved := resp.Peer.PeerLocation.WithPeerName(resp.Peer.PeerName)
		for k, v := range destination.Query {
			if k == "a" {
				continue
			}
			resolved.Query[k] = v
		}
		g.forwardDown(resolved, out, respond)
	})
}

func (g *Gateway) retry(name types.PeerName, payload []byte, original types.URI, respond func(interface{}, error)) {
	key := string(name)
	g.mu.Lock()
	ps, exists := g.retries[key]
	if !exists {
		ps = &pendingSend{destination: original, payload: payload, respond: respond}
		g.retries[key] = ps
	}
	ps.attempts++
	attempts := ps.attempts
	g.mu.Unlock()

	if attempts >= types.MaxRetryAttempts {
		g.mu.Lock()
		delete(g.retries, key)
		g.mu.Unlock()
		respond(nil, types.ErrRetriesExhausted)
		return
	}

	time.AfterFunc(50*time.Millisecond, func() {
		g.mu.Lock()
		still, ok := g.retries[key]
		g.mu.Unlock()
		if !ok || still != ps {
			return
		}
		g.sendWithRetry(original, payload, respond)
	})
}

func (g *Gateway) forwardDown(destination types.URI, payload []byte, respond func(interface{}, error)) {
	g.down.Endpoint().Request(transport.SendMessageRequest{Destination: destination, Payload: payload}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		respond(d.Value, d.Err)
	})
}

func (g *Gateway) handleDownEvent(m actor.InboundMessage) {
	switch ev := m.Payload.(type) {
	case transport.IncomingConnectionEvent:
		g.handleIncomingConnection(ev)
	case transport.ReceivedDataEvent:
		g.handleReceivedData(ev)
	case transport.ErrorOccurredEvent:
		g.self.Publish(ev)
	default:
		g.logger.Warnf("gateway: unexpected downward event %#v", m.Payload)
	}
}

// handleIncomingConnection performs the new-connection PeerName exchange
// (spec §4.F: request this node's own PeerData, send a PeerName frame to
// the new peer, then bubble IncomingConnection upward carrying an
// identity-addressed URI).
func (g *Gateway) handleIncomingConnection(ev transport.IncomingConnectionEvent) {
	g.dht.Endpoint().Request(dht.RequestThisPeerRequest{}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			g.logger.Warnf("gateway: RequestThisPeer failed during handshake: %v", d.Err)
			return
		}
		this := d.Value.(dht.RequestThisPeerResponse).Peer

		frame := p2pframe.NewPeerName(p2pframe.PeerNameData{
			PeerName:  this.PeerName,
			Timestamp: time.Now().UnixMilli(),
		})
		encoded, err := p2pframe.Encode(frame)
		if err != nil {
			g.logger.Warnf("gateway: encoding peer-name frame: %v", err)
			return
		}
		g.forwardDown(ev.URI, encoded, func(interface{}, error) {})
	})

	g.self.Publish(ev)
}

func (g *Gateway) handleReceivedData(ev transport.ReceivedDataEvent) {
	frame, err := p2pframe.Decode(ev.Payload)
	if err != nil {
		g.self.Publish(ev)
		return
	}

	switch frame.Kind {
	case p2pframe.KindPeerName:
		g.handlePeerNameFrame(ev, frame.PeerName)
	case p2pframe.KindGossip:
		g.handleGossipFrame(frame.Gossip)
	case p2pframe.KindDirectMessage, p2pframe.KindDirectMessageResult:
		// Routed traffic: the multiplex below (if any) already dispatched
		// this to the matching route — a gateway that sees it directly
		// (e.g. no multiplex in between) bubbles it unchanged.
		g.self.Publish(ev)
	case p2pframe.KindBroadcastJoinSpace:
		if frame.BroadcastJoinSpace != nil {
			g.dht.Endpoint().Publish(dht.HoldPeerRequest{Peer: frame.BroadcastJoinSpace.Peer})
		}
		// Also bubble the raw event: a parent engine that has itself joined
		// the named space locally needs this to seed that space's own DHT,
		// not just the network-level one held above.
		g.self.Publish(ev)
	default:
		g.self.Publish(ev)
	}
}

func (g *Gateway) handlePeerNameFrame(ev transport.ReceivedDataEvent, data *p2pframe.PeerNameData) {
	if data == nil {
		return
	}
	location := ev.URI.Low()
	g.dht.Endpoint().Publish(dht.HoldPeerRequest{Peer: types.PeerData{
		PeerName:     data.PeerName,
		PeerLocation: location,
		Timestamp:    data.Timestamp,
	}})
}

func (g *Gateway) handleGossipFrame(data *p2pframe.GossipData) {
	if data == nil {
		return
	}
	var bundle dht.GossipBundle
	if err := unmarshalBundle(data.Bundle, &bundle); err != nil {
		g.logger.Warnf("gateway: undecodable gossip bundle: %v", err)
		return
	}
	g.dht.Endpoint().Request(dht.HandleGossipBundleRequest{FromPeer: data.FromPeer, Bundle: bundle}, types.DefaultRequestTimeout, func(actor.CallbackData) {})
}

// handleDhtEvent implements the per-space-gateway parent event handling
// from spec §4.G (also used directly by the network gateway).
func (g *Gateway) handleDhtEvent(m actor.InboundMessage) {
	switch ev := m.Payload.(type) {
	case dht.GossipToEvent:
		g.fulfillGossip(ev.PeerNames, ev.Bundle)
	case dht.GossipUnreliablyToEvent:
		g.fulfillGossip(ev.PeerNames, ev.Bundle)
	case dht.HoldPeerRequestedEvent:
		g.dht.Endpoint().Publish(dht.HoldPeerRequest{Peer: ev.Peer})
	case dht.HoldEntryRequestedEvent, dht.RequestEntryEvent, dht.PeerTimedOutEvent, dht.EntryPrunedEvent:
		g.self.Publish(ev)
	default:
		g.logger.Warnf("gateway: unexpected dht event %#v", m.Payload)
	}
}

func (g *Gateway) fulfillGossip(peerNames []types.PeerName, bundle dht.GossipBundle) {
	raw, err := marshalBundle(bundle)
	if err != nil {
		g.logger.Warnf("gateway: encoding gossip bundle: %v", err)
		return
	}

	g.dht.Endpoint().Request(dht.RequestThisPeerRequest{}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			return
		}
		this := d.Value.(dht.RequestThisPeerResponse).Peer

		for _, name := range peerNames {
			g.dht.Endpoint().Request(dht.RequestPeerRequest{PeerName: name}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
				if d.Kind != actor.CallbackResponse || d.Err != nil {
					return
				}
				resp := d.Value.(dht.RequestPeerResponse)
				if !resp.Found {
					return
				}
				frame := p2pframe.NewGossip(p2pframe.GossipData{
					Space:    g.chainID.Space,
					ToPeer:   name,
					FromPeer: this.PeerName,
					Bundle:   raw,
				})
				encoded, err := p2pframe.Encode(frame)
				if err != nil {
					g.logger.Warnf("gateway: encoding gossip frame: %v", err)
					return
				}
				// Tag the destination with the remote peer's own name so a
				// multiplex route beneath this gateway (the mirror-variant's
				// per-space case) can recover the correct to_agent instead of
				// defaulting to its own chainID's agent.
				dest := resp.Peer.PeerLocation.WithPeerName(resp.Peer.PeerName)
				g.forwardDown(dest, encoded, func(interface{}, error) {})
			})
		}
	})
}
