// Package memory implements the in-memory mock Transport used by the engine
// test suites (spec §4.B scenarios S1/S2) and design notes §9 ("Global
// mutable state": the registry is scoped per test, not a process-wide
// singleton, even though it plays that role within one Registry's lifetime).
package memory

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// Registry is the "process-wide" URI->server mapping design notes §9
// describes, deliberately instantiated per test (or per process, if a caller
// chooses) rather than held in a package-level variable, so tests never leak
// binds across each other.
type Registry struct {
	mu      sync.Mutex
	servers map[string]*Transport
	counter *atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*Transport), counter: atomic.NewInt64(0)}
}

// nextAddress hands out a monotonically increasing bind address. The counter
// is bumped independently of the servers map's own mutex, since allocating
// an address and registering under it are two separate steps (handleBind
// only registers once it has decided it isn't already bound).
func (r *Registry) nextAddress() string {
	return fmt.Sprintf("addr_%d", r.counter.Inc())
}

func (r *Registry) register(key string, t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[key] = t
}

func (r *Registry) unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, key)
}

func (r *Registry) lookup(key string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.servers[key]
	return t, ok
}

// Transport is the in-memory mock Transport implementation. Binding is
// idempotent-checked (spec §4.B: "subsequent binds SHOULD fail") and sends
// issued before a successful bind fail explicitly.
type Transport struct {
	registry *Registry
	logger   types.Logger

	mu          sync.Mutex
	bound       bool
	boundKey    string
	boundURI    types.URI
	seenOrigins map[string]bool

	child *actor.Endpoint
	peer  *actor.Endpoint
	pump  *transport.Pump
}

// New constructs a Transport registered against registry. It does not bind;
// callers issue BindRequest through Endpoint() exactly like any other
// transport actor.
func New(registry *Registry, logger types.Logger) *Transport {
	parent, child := actor.NewChannel(0)
	t := &Transport{
		registry:    registry,
		logger:      logger,
		seenOrigins: make(map[string]bool),
		child:       child,
		peer:        parent,
	}
	t.pump = transport.NewPump(child, 5*time.Millisecond, t.handleChild)
	return t
}

func (t *Transport) Endpoint() *actor.Endpoint { return t.peer }

func (t *Transport) Close() error {
	t.pump.Stop()
	t.mu.Lock()
	key := t.boundKey
	t.mu.Unlock()
	if key != "" {
		t.registry.unregister(key)
	}
	return nil
}

func (t *Transport) handleChild(msgs []actor.InboundMessage) {
	for _, m := range msgs {
		switch req := m.Payload.(type) {
		case transport.BindRequest:
			t.handleBind(m, req)
		case transport.SendMessageRequest:
			t.handleSend(m, req)
		default:
			t.logger.Warnf("memory transport: unexpected child-directed message %#v", m.Payload)
		}
	}
}

func (t *Transport) handleBind(m actor.InboundMessage, req transport.BindRequest) {
	t.mu.Lock()
	if t.bound {
		t.mu.Unlock()
		m.Respond(nil, types.ErrAlreadyBound)
		return
	}
	address := t.registry.nextAddress()
	bound := types.URI{Scheme: "mem", Authority: address + "/"}
	t.bound = true
	t.boundURI = bound
	t.boundKey = bound.Low().String()
	t.mu.Unlock()

	t.registry.register(t.boundKey, t)
	m.Respond(transport.BindResponse{BoundURL: bound}, nil)
}

func (t *Transport) handleSend(m actor.InboundMessage, req transport.SendMessageRequest) {
	t.mu.Lock()
	bound := t.bound
	self := t.boundURI
	t.mu.Unlock()
	if !bound {
		m.Respond(nil, types.ErrNotBound)
		return
	}

	target, ok := t.registry.lookup(req.Destination.Low().String())
	if !ok {
		m.Respond(nil, fmt.Errorf("%w: %s", types.ErrUnknownDestination, req.Destination))
		return
	}

	target.deliver(self, req.Payload)
	m.Respond(transport.SendMessageResponse{}, nil)
}

// deliver is called directly by the sending Transport (spec allows
// collapsing IncomingConnection into the first ReceivedData for a given
// URI; same-URI ordering is FIFO because Publish is append-under-mutex).
func (t *Transport) deliver(origin types.URI, payload []byte) {
	key := origin.String()
	t.mu.Lock()
	first := !t.seenOrigins[key]
	t.seenOrigins[key] = true
	t.mu.Unlock()

	if first {
		t.child.Publish(transport.IncomingConnectionEvent{URI: origin})
	}
	t.child.Publish(transport.ReceivedDataEvent{URI: origin, Payload: payload})
	t.pump.Wake()
}
