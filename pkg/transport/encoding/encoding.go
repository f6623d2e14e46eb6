// Package encoding implements the transport-encoding layer (spec §4.C): it
// wraps a lower transport.Transport, attaches a node identity, and performs
// the opening handshake so every event bubbled upward carries an
// identity-qualified URI.
package encoding

import (
	"sync"
	"time"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/identity"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

type pendingSend struct {
	payload []byte
	respond func(value interface{}, err error)
}

// Encoding wraps a lower transport.Transport and presents the same actor
// shape upward, with every URI it emits identity-qualified (spec §4.C
// invariant i).
type Encoding struct {
	thisID types.PeerName
	logger types.Logger
	down   transport.Transport

	mu               sync.Mutex
	lowToID          map[string]types.URI
	idToLow          map[string]types.URI
	pendingReceived  map[string][]transport.ReceivedDataEvent
	pendingSendQueue map[string][]pendingSend
	handshakeSentTo  map[string]bool

	up   *actor.Endpoint // what we hand to our parent
	self *actor.Endpoint // our own half, used to Publish events / drain requests

	stop chan struct{}
	done chan struct{}
}

// New wraps down with identity thisID.
func New(thisID types.PeerName, down transport.Transport, logger types.Logger) *Encoding {
	up, self := actor.NewChannel(0)
	e := &Encoding{
		thisID:           thisID,
		logger:           logger,
		down:             down,
		lowToID:          make(map[string]types.URI),
		idToLow:          make(map[string]types.URI),
		pendingReceived:  make(map[string][]transport.ReceivedDataEvent),
		pendingSendQueue: make(map[string][]pendingSend),
		handshakeSentTo:  make(map[string]bool),
		up:               up,
		self:             self,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Encoding) Endpoint() *actor.Endpoint { return e.up }

func (e *Encoding) Close() error {
	select {
	case <-e.done:
		return nil
	default:
	}
	close(e.stop)
	<-e.done
	return e.down.Close()
}

func (e *Encoding) run() {
	defer close(e.done)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.down.Endpoint().Process(time.Now())
		for _, m := range e.down.Endpoint().DrainMessages() {
			e.handleDownEvent(m)
		}

		e.self.Process(time.Now())
		for _, m := range e.self.DrainMessages() {
			e.handleUpRequest(m)
		}

		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
	}
}

func (e *Encoding) handleUpRequest(m actor.InboundMessage) {
	switch req := m.Payload.(type) {
	case transport.BindRequest:
		e.handleBind(m, req)
	case transport.SendMessageRequest:
		e.handleSend(m, req)
	default:
		e.logger.Warnf("encoding: unexpected upward request %#v", m.Payload)
	}
}

func (e *Encoding) handleBind(m actor.InboundMessage, req transport.BindRequest) {
	thisID := e.thisID
	e.down.Endpoint().Request(req, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			m.Respond(nil, d.Err)
			return
		}
		resp := d.Value.(transport.BindResponse)
		// Bind rewriting (spec §4.C): append ?a=<this_id> before bubbling up.
		resp.BoundURL = resp.BoundURL.WithPeerName(thisID)
		m.Respond(resp, nil)
	})
}

func (e *Encoding) handleSend(m actor.InboundMessage, req transport.SendMessageRequest) {
	low := req.Destination.Low()
	key := low.String()

	e.mu.Lock()
	_, handshaked := e.lowToID[key]
	e.mu.Unlock()

	if handshaked {
		e.forwardDown(low, req.Payload, m.Respond)
		return
	}

	e.mu.Lock()
	e.pendingSendQueue[key] = append(e.pendingSendQueue[key], pendingSend{payload: req.Payload, respond: m.Respond})
	alreadySent := e.handshakeSentTo[key]
	if !alreadySent {
		e.handshakeSentTo[key] = true
	}
	e.mu.Unlock()

	if !alreadySent {
		e.sendHandshake(low)
	}
}

func (e *Encoding) sendHandshake(low types.URI) {
	frame := identity.EncodeHandshakeFrame(e.thisID)
	e.down.Endpoint().Request(transport.SendMessageRequest{Destination: low, Payload: frame}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			e.logger.Warnf("encoding: handshake send to %s failed: %v", low, d.Err)
		}
	})
}

func (e *Encoding) forwardDown(low types.URI, payload []byte, respond func(interface{}, error)) {
	e.down.Endpoint().Request(transport.SendMessageRequest{Destination: low, Payload: payload}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse {
			respond(nil, d.Err)
			return
		}
		respond(d.Value, d.Err)
	})
}

func (e *Encoding) handleDownEvent(m actor.InboundMessage) {
	switch ev := m.Payload.(type) {
	case transport.IncomingConnectionEvent:
		// The underlying transport's own IncomingConnection is absorbed here;
		// we only bubble our own identity-qualified IncomingConnection once
		// the handshake completes (step 3 of spec §4.C).
		e.logger.Debugf("encoding: underlying incoming connection from %s", ev.URI)
	case transport.ReceivedDataEvent:
		e.handleReceivedData(ev)
	case transport.ErrorOccurredEvent:
		e.self.Publish(ev)
	default:
		e.logger.Warnf("encoding: unexpected downward event %#v", m.Payload)
	}
}

func (e *Encoding) handleReceivedData(ev transport.ReceivedDataEvent) {
	low := ev.URI.Low()
	key := low.String()

	e.mu.Lock()
	idURI, mapped := e.lowToID[key]
	e.mu.Unlock()

	if mapped {
		e.self.Publish(transport.ReceivedDataEvent{URI: idURI, Payload: ev.Payload})
		return
	}

	if identity.IsHandshakeFrame(ev.Payload) {
		remoteName := identity.DecodeHandshakeFrame(ev.Payload)
		e.completeHandshake(low, remoteName)
		return
	}

	// Non-handshake frame on an unmapped URI: buffer it and, if we haven't
	// already, send our own handshake back (spec §4.C).
	e.mu.Lock()
	e.pendingReceived[key] = append(e.pendingReceived[key], ev)
	alreadySent := e.handshakeSentTo[key]
	if !alreadySent {
		e.handshakeSentTo[key] = true
	}
	e.mu.Unlock()

	if !alreadySent {
		e.sendHandshake(low)
	}
}

func (e *Encoding) completeHandshake(low types.URI, remoteName types.PeerName) {
	idURI := low.WithPeerName(remoteName)
	key := low.String()

	e.mu.Lock()
	e.lowToID[key] = idURI
	e.idToLow[idURI.String()] = low
	pendingReceived := e.pendingReceived[key]
	delete(e.pendingReceived, key)
	pendingSends := e.pendingSendQueue[key]
	delete(e.pendingSendQueue, key)
	weHaveReplied := e.handshakeSentTo[key]
	if !weHaveReplied {
		e.handshakeSentTo[key] = true
	}
	e.mu.Unlock()

	// The peer only learns our identity once we've sent our own handshake
	// back; do so now if this low URI's first contact was the peer's
	// handshake rather than our own outbound send (spec §8 scenario S2:
	// "B's encoder produces one handshake reply to A").
	if !weHaveReplied {
		e.sendHandshake(low)
	}

	e.self.Publish(transport.IncomingConnectionEvent{URI: idURI})

	for _, ev := range pendingReceived {
		e.self.Publish(transport.ReceivedDataEvent{URI: idURI, Payload: ev.Payload})
	}

	for _, ps := range pendingSends {
		e.forwardDown(low, ps.payload, ps.respond)
	}
}
