package actor

import (
	"sync"
	"time"

	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// envelopeKind distinguishes the three things that travel across a channel's
// mailbox (spec §4.A: publish, request, and the response to a request).
type envelopeKind int

const (
	envPublish envelopeKind = iota
	envRequest
	envResponse
)

type envelope struct {
	kind      envelopeKind
	requestID types.RequestId
	payload   interface{}
	err       error
}

// InboundMessage is one item drained from an endpoint's mailbox (spec §4.A:
// DrainMessages). Respond is non-nil only for request-style messages; calling
// it is optional for event-style (published) messages.
type InboundMessage struct {
	Payload   interface{}
	RequestID types.RequestId
	respond   func(value interface{}, err error)
}

// Respond answers an inbound request. It is a no-op if this message was
// publish-style (Respond == nil). Calling it more than once stages one
// response per call; the requester's tracker delivers the first and
// discards the rest as responses to an unknown RequestId.
func (m InboundMessage) Respond(value interface{}, err error) {
	if m.respond != nil {
		m.respond(value, err)
	}
}

// IsRequest reports whether this message expects a response.
func (m InboundMessage) IsRequest() bool {
	return m.respond != nil
}

// Endpoint is one half of a Channel (spec §4.A). A Channel's two Endpoints
// are symmetric; "parent" and "child" are naming conventions imposed by
// callers, not a structural distinction.
type Endpoint struct {
	mu             sync.Mutex
	outbound       []envelope // staged by Publish/Request, flushed to peer on Process
	inbound        []envelope // flushed into us by our peer's Process
	pendingInbound []InboundMessage

	peer    *Endpoint // the other half of this channel, set once by NewChannel
	tracker *Tracker
}

// NewChannel creates a pair of connected endpoints (spec §4.A: "a channel is
// a pair of typed endpoints created atomically").
func NewChannel(trackerCapacity int) (a *Endpoint, b *Endpoint) {
	a = &Endpoint{tracker: NewTracker(trackerCapacity)}
	b = &Endpoint{tracker: NewTracker(trackerCapacity)}
	a.peer = b
	b.peer = a
	return a, b
}

// Publish sends a fire-and-forget one-way message to the peer endpoint
// (spec §4.A, operation 1). A publish on an endpoint with no peer is
// silently discarded; endpoints built by NewChannel always have one.
func (e *Endpoint) Publish(payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peer == nil {
		return
	}
	e.outbound = append(e.outbound, envelope{kind: envPublish, payload: payload})
}

// Request generates a fresh RequestId, queues the payload for the peer and
// tracks cb against that id with the given timeout (spec §4.A, operation 2).
func (e *Endpoint) Request(payload interface{}, timeout time.Duration, cb Callback) types.RequestId {
	id := NewRequestID("")
	e.tracker.Track(id, timeout, nil, cb)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peer == nil {
		// Dropped channel: the tracked callback will still fire as a Timeout
		// once its deadline passes, per the documented failure semantics.
		return id
	}
	e.outbound = append(e.outbound, envelope{kind: envRequest, requestID: id, payload: payload})
	return id
}

// RequestWithTag behaves like Request but records tag for later retrieval via
// Tracker.Tag — used by callers (e.g. the engine) that need to remember which
// logical operation a RequestId belongs to across the async gap.
func (e *Endpoint) RequestWithTag(payload interface{}, timeout time.Duration, tag interface{}, cb Callback) types.RequestId {
	id := NewRequestID("")
	e.tracker.Track(id, timeout, tag, cb)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peer != nil {
		e.outbound = append(e.outbound, envelope{kind: envRequest, requestID: id, payload: payload})
	}
	return id
}

// DrainMessages produces the inbound messages accumulated since the last
// drain (spec §4.A, operation 3).
func (e *Endpoint) DrainMessages() []InboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pendingInbound
	e.pendingInbound = nil
	return out
}

// Process advances the endpoint (spec §4.A, operation 4): it flushes our
// staged outbound envelopes to the peer's mailbox, absorbs whatever the peer
// flushed into ours (resolving tracked responses synchronously, queuing
// requests/publishes for DrainMessages), and sweeps our own tracker for
// expired callbacks. Returns whether any work was performed.
func (e *Endpoint) Process(now time.Time) (didWork bool) {
	e.mu.Lock()
	toFlush := e.outbound
	e.outbound = nil
	peer := e.peer
	e.mu.Unlock()

	if len(toFlush) > 0 && peer != nil {
		peer.mu.Lock()
		peer.inbound = append(peer.inbound, toFlush...)
		peer.mu.Unlock()
		didWork = true
	}

	e.mu.Lock()
	mine := e.inbound
	e.inbound = nil
	e.mu.Unlock()

	for _, env := range mine {
		didWork = true
		switch env.kind {
		case envResponse:
			e.tracker.Resolve(env.requestID, env.payload, env.err)
		case envRequest:
			e.enqueueInbound(env, peer)
		case envPublish:
			e.enqueueInbound(env, nil)
		}
	}

	if n := e.tracker.SweepTimeouts(now); n > 0 {
		didWork = true
	}

	return didWork
}

func (e *Endpoint) enqueueInbound(env envelope, peer *Endpoint) {
	msg := InboundMessage{Payload: env.payload, RequestID: env.requestID}
	if env.kind == envRequest {
		id := env.requestID
		msg.respond = func(value interface{}, respErr error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.peer == nil {
				return
			}
			e.outbound = append(e.outbound, envelope{kind: envResponse, requestID: id, payload: value, err: respErr})
		}
	}
	e.mu.Lock()
	e.pendingInbound = append(e.pendingInbound, msg)
	e.mu.Unlock()
}

// PendingOutboundLen reports how many envelopes are staged for the next
// flush; used by tests asserting on FIFO ordering.
func (e *Endpoint) PendingOutboundLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbound)
}

// TrackerLen exposes the outstanding-request count for diagnostics/tests.
func (e *Endpoint) TrackerLen() int {
	return e.tracker.Len()
}
