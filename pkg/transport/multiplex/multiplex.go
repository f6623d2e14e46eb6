// Package multiplex implements the transport multiplex (spec §4.D): it
// demultiplexes a single underlying transport (normally a
// transport/encoding.Encoding) into per-(space,agent) sub-routes, each of
// which presents the same Transport actor shape as any other transport.
package multiplex

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/p2pframe"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// Multiplex wraps a down transport.Transport and itself implements
// transport.Transport, so it can be composed directly underneath a gateway
// (spec §4.G step 3: "construct the network transport, wrap it in a
// multiplex, wrap that in a gateway"). Traffic that isn't a recognized
// direct-message frame addressed to a registered route is bubbled to this
// multiplex's own parent unchanged.
type Multiplex struct {
	down   transport.Transport
	logger types.Logger

	mu     sync.Mutex
	routes map[types.ChainId]*route

	up   *actor.Endpoint
	self *actor.Endpoint

	stop chan struct{}
	done chan struct{}
}

// New wraps down.
func New(down transport.Transport, logger types.Logger) *Multiplex {
	up, self := actor.NewChannel(0)
	mx := &Multiplex{
		down:   down,
		logger: logger,
		routes: make(map[types.ChainId]*route),
		up:     up,
		self:   self,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go mx.run()
	return mx
}

func (mx *Multiplex) Endpoint() *actor.Endpoint { return mx.up }

func (mx *Multiplex) Close() error {
	select {
	case <-mx.done:
		return nil
	default:
	}
	close(mx.stop)
	<-mx.done
	return mx.down.Close()
}

// CreateAgentSpaceRoute registers a sub-route keyed by the (space, agent)
// ChainId and returns the child-side endpoint the owning space-gateway
// drives as its transport (spec §4.D operation 1). Creating a route for an
// already-registered ChainId is an error; a space may only be joined once
// per agent (spec §4.G: "JoinSpace ... fails if ChainId already present").
func (mx *Multiplex) CreateAgentSpaceRoute(space types.SpaceAddress, agent types.AgentId) (transport.Transport, error) {
	id := types.ChainId{Space: space, Agent: agent}

	mx.mu.Lock()
	if _, exists := mx.routes[id]; exists {
		mx.mu.Unlock()
		return nil, types.ErrChainAlreadyJoined
	}
	up, child := actor.NewChannel(0)
	r := &route{chainID: id, mx: mx, up: up, child: child}
	mx.routes[id] = r
	mx.mu.Unlock()

	return r, nil
}

// RemoveAgentSpaceRoute tears down a previously-created route (spec §4.G
// LeaveSpace).
func (mx *Multiplex) RemoveAgentSpaceRoute(space types.SpaceAddress, agent types.AgentId) error {
	id := types.ChainId{Space: space, Agent: agent}
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if _, exists := mx.routes[id]; !exists {
		return types.ErrChainNotJoined
	}
	delete(mx.routes, id)
	return nil
}

// ReceivedDataForAgentSpaceRoute is the explicit re-injection path (spec
// §4.D operation 4) used by a caller that has already decoded a frame itself
// and wants to hand the inner payload to the matching route as if it had
// arrived over the wire, synthesizing a "transportid:<machine>?a=<agent>"
// source URI.
func (mx *Multiplex) ReceivedDataForAgentSpaceRoute(space types.SpaceAddress, toAgent, fromAgent types.AgentId, fromMachine string, payload []byte) error {
	id := types.ChainId{Space: space, Agent: toAgent}
	mx.mu.Lock()
	r, ok := mx.routes[id]
	mx.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownDestination, id)
	}
	r.up.Publish(transport.ReceivedDataEvent{
		URI:     types.TransportIDURI(fromMachine, fromAgent),
		Payload: payload,
	})
	return nil
}

func (mx *Multiplex) run() {
	defer close(mx.done)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		mx.down.Endpoint().Process(time.Now())
		for _, m := range mx.down.Endpoint().DrainMessages() {
			mx.handleDownEvent(m)
		}

		mx.self.Process(time.Now())
		for _, m := range mx.self.DrainMessages() {
			mx.handleUpRequest(m)
		}

		for _, r := range mx.snapshotRoutes() {
			r.up.Process(time.Now())
			for _, m := range r.up.DrainMessages() {
				mx.handleRouteRequest(r, m)
			}
		}

		select {
		case <-mx.stop:
			return
		case <-ticker.C:
		}
	}
}

func (mx *Multiplex) snapshotRoutes() []*route {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	out := make([]*route, 0, len(mx.routes))
	for _, r := range mx.routes {
		out = append(out, r)
	}
	return out
}

// handleUpRequest serves Bind/SendMessage issued directly against the
// multiplex itself (traffic not scoped to any space-agent route — e.g. the
// network gateway's bootstrap Connect pings).
func (mx *Multiplex) handleUpRequest(m actor.InboundMessage) {
	switch req := m.Payload.(type) {
	case transport.BindRequest:
		mx.down.Endpoint().Request(req, types.DefaultRequestTimeout, func(d actor.CallbackData) {
			m.Respond(d.Value, d.Err)
		})
	case transport.SendMessageRequest:
		mx.down.Endpoint().Request(req, types.DefaultRequestTimeout, func(d actor.CallbackData) {
			m.Respond(d.Value, d.Err)
		})
	default:
		mx.logger.Warnf("multiplex: unexpected upward request %#v", m.Payload)
	}
}

// handleRouteRequest serves a SendMessage issued on a specific route: wrap
// it inside a P2P direct-message frame and dispatch on the underlying
// transport (spec §4.D "Forward").
func (mx *Multiplex) handleRouteRequest(r *route, m actor.InboundMessage) {
	req, ok := m.Payload.(transport.SendMessageRequest)
	if !ok {
		mx.logger.Warnf("multiplex: unexpected route request %#v", m.Payload)
		return
	}

	toAgent := r.chainID.Agent
	if name, ok := req.Destination.PeerName(); ok {
		toAgent = types.AgentId(name)
	}

	data := p2pframe.DirectMessageData{
		Space:     r.chainID.Space,
		FromAgent: r.chainID.Agent,
		ToAgent:   toAgent,
		RequestId: actor.NewRequestID("dm"),
		Payload:   req.Payload,
	}
	var frame p2pframe.Frame
	if req.Destination.Query != nil && req.Destination.Query.Get(dmKindQueryKey) == "result" {
		frame = p2pframe.NewDirectMessageResult(data)
	} else {
		frame = p2pframe.NewDirectMessage(data)
	}
	raw, err := p2pframe.Encode(frame)
	if err != nil {
		m.Respond(nil, fmt.Errorf("multiplex: encoding direct-message frame: %w", err))
		return
	}

	mx.down.Endpoint().Request(transport.SendMessageRequest{
		Destination: req.Destination.Low(),
		Payload:     raw,
	}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		m.Respond(d.Value, d.Err)
	})
}

func (mx *Multiplex) handleDownEvent(m actor.InboundMessage) {
	switch ev := m.Payload.(type) {
	case transport.ReceivedDataEvent:
		mx.handleReceivedData(ev)
	case transport.IncomingConnectionEvent, transport.ErrorOccurredEvent:
		mx.self.Publish(ev)
	default:
		mx.logger.Warnf("multiplex: unexpected downward event %#v", m.Payload)
	}
}

// handleReceivedData implements spec §4.D's inbound dispatch: a decodable
// direct-message frame addressed to a registered route is forwarded there;
// everything else (undecodable payloads, non-direct-message frames, or
// direct-message frames with no matching route) bubbles to the parent
// unchanged, letting the gateway above decode control frames itself.
func (mx *Multiplex) handleReceivedData(ev transport.ReceivedDataEvent) {
	frame, err := p2pframe.Decode(ev.Payload)
	if err != nil {
		mx.self.Publish(ev)
		return
	}

	var dm *p2pframe.DirectMessageData
	switch frame.Kind {
	case p2pframe.KindDirectMessage:
		dm = frame.DirectMessage
	case p2pframe.KindDirectMessageResult:
		dm = frame.DirectMessageResult
	default:
		mx.self.Publish(ev)
		return
	}
	if dm == nil {
		mx.self.Publish(ev)
		return
	}

	id := types.ChainId{Space: dm.Space, Agent: dm.ToAgent}
	mx.mu.Lock()
	r, ok := mx.routes[id]
	mx.mu.Unlock()
	if !ok {
		mx.self.Publish(ev)
		return
	}

	r.up.Publish(transport.ReceivedDataEvent{
		URI:     types.TransportIDURI(ev.URI.Authority, dm.FromAgent),
		Payload: dm.Payload,
	})
}

// dmKindQueryKey lets a route caller pick which direct-message frame kind
// a SendMessage should wrap as: plain DirectMessage by default, or
// DirectMessageResult when ResultDestination has tagged the URI. The route
// always wraps (spec §4.D "Forward"); this is the minimal extra signal
// needed for a route to carry the engine's "...Result" reply traffic over
// the same wrapping path as its "forward" traffic.
const dmKindQueryKey = "dmkind"

// ResultDestination tags dest so the matching route wraps its SendMessage
// payload as a DirectMessageResult frame instead of a DirectMessage frame.
func ResultDestination(dest types.URI) types.URI {
	q := url.Values{}
	for k, v := range dest.Query {
		q[k] = v
	}
	q.Set(dmKindQueryKey, "result")
	return types.URI{Scheme: dest.Scheme, Authority: dest.Authority, Query: q}
}

// route is one (space, agent) sub-transport handed out by
// CreateAgentSpaceRoute. It implements transport.Transport by presenting
// the child half of its own channel while its owning Multiplex drives the
// parent half (up) from its own run loop.
type route struct {
	chainID types.ChainId
	mx      *Multiplex

	up    *actor.Endpoint // driven by Multiplex.run
	child *actor.Endpoint // handed to the route's owner (a gateway)
}

func (r *route) Endpoint() *actor.Endpoint { return r.child }

func (r *route) Close() error {
	return r.mx.RemoveAgentSpaceRoute(r.chainID.Space, r.chainID.Agent)
}
