// Package relt implements a Transport backed by github.com/jabolina/relt, a
// reliable IP-multicast broadcast primitive. Where the websocket transport
// addresses one peer at a time, this transport addresses a whole relt group
// (spec §3's "URI ... authority" becomes the relt group address) — a good
// fit for the DHT's GossipTo fan-out (spec §4.E), which already wants to
// reach every known peer in one shot rather than dialing each individually.
package relt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/relt/pkg/relt"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// Transport wraps a *relt.Relt as a Transport actor. A single Transport
// binds to (and therefore broadcasts/listens on) exactly one relt group.
type Transport struct {
	name   string
	logger types.Logger

	mu       sync.Mutex
	bound    bool
	boundURI types.URI

	r      *relt.Relt
	ctx    context.Context
	cancel context.CancelFunc

	child *actor.Endpoint
	peer  *actor.Endpoint
	pump  *transport.Pump
}

func New(name string, logger types.Logger) *Transport {
	parent, child := actor.NewChannel(0)
	t := &Transport{
		name:   name,
		logger: logger,
		child:  child,
		peer:   parent,
	}
	t.pump = transport.NewPump(child, 10*time.Millisecond, t.handleChild)
	return t
}

func (t *Transport) Endpoint() *actor.Endpoint { return t.peer }

func (t *Transport) Close() error {
	t.pump.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.r != nil {
		return t.r.Close()
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
			t.logger.Warnf("relt transport: unexpected message %#v", m.Payload)
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
	t.mu.Unlock()

	conf := relt.DefaultReltConfiguration()
	conf.Name = t.name
	conf.Exchange = relt.GroupAddress(req.Spec.Authority)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		m.Respond(nil, fmt.Errorf("starting relt transport: %w", err))
		return
	}

	bound := types.URI{Scheme: "relt", Authority: req.Spec.Authority}
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.bound = true
	t.boundURI = bound
	t.r = r
	t.ctx = ctx
	t.cancel = cancel
	t.mu.Unlock()

	listener, err := r.Consume()
	if err != nil {
		m.Respond(nil, fmt.Errorf("starting relt consumer: %w", err))
		return
	}
	go t.readLoop(ctx, listener)

	m.Respond(transport.BindResponse{BoundURL: bound}, nil)
}

func (t *Transport) readLoop(ctx context.Context, listener <-chan relt.Recv) {
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			if recv.Error != nil {
				t.logger.Warnf("relt transport: receive error: %v", recv.Error)
				continue
			}
			var env envelope
			if err := json.Unmarshal(recv.Data, &env); err != nil {
				t.logger.Warnf("relt transport: undecodable envelope: %v", err)
				continue
			}
			origin := types.URI{Scheme: "relt", Authority: env.Origin}
			if !seen[env.Origin] {
				seen[env.Origin] = true
				t.child.Publish(transport.IncomingConnectionEvent{URI: origin})
			}
			t.child.Publish(transport.ReceivedDataEvent{URI: origin, Payload: env.Payload})
			t.pump.Wake()
		}
	}
}

func (t *Transport) handleSend(m actor.InboundMessage, req transport.SendMessageRequest) {
	t.mu.Lock()
	bound := t.bound
	self := t.boundURI
	r := t.r
	ctx := t.ctx
	t.mu.Unlock()
	if !bound {
		m.Respond(nil, types.ErrNotBound)
		return
	}

	env := envelope{Origin: self.Authority, Payload: req.Payload}
	data, err := json.Marshal(env)
	if err != nil {
		m.Respond(nil, fmt.Errorf("marshalling relt envelope: %w", err))
		return
	}

	send := relt.Send{Address: relt.GroupAddress(req.Destination.Authority), Data: data}
	if err := r.Broadcast(ctx, send); err != nil {
		m.Respond(nil, fmt.Errorf("relt broadcast: %w", err))
		return
	}
	m.Respond(transport.SendMessageResponse{}, nil)
}
