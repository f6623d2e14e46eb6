// Package transport defines the abstract connection-oriented transport
// contract (spec §4.B): every transport is an actor exposing a child-directed
// Bind/SendMessage surface and parent-directed IncomingConnection/
// ReceivedData/ErrorOccurred events.
package transport

import (
	"time"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// BindRequest/BindResponse implement spec §4.B's "Bind { spec: URI } ->
// Bind { bound_url: URI }".
type BindRequest struct {
	Spec types.URI
}

type BindResponse struct {
	BoundURL types.URI
}

// SendMessageRequest/SendMessageResponse implement spec §4.B's
// "SendMessage { destination, payload } -> SendMessage | error".
type SendMessageRequest struct {
	Destination types.URI
	Payload     []byte
}

type SendMessageResponse struct{}

// IncomingConnectionEvent, ReceivedDataEvent and ErrorOccurredEvent are the
// three parent-directed events from spec §4.B.
type IncomingConnectionEvent struct {
	URI types.URI
}

type ReceivedDataEvent struct {
	URI     types.URI
	Payload []byte
}

type ErrorOccurredEvent struct {
	URI types.URI
	Err error
}

// Transport is the handle a parent holds on a transport actor: Endpoint is
// the parent-side half of the channel (spec §4.A) the transport was
// constructed with. Callers issue Bind/SendMessage via Endpoint.Request and
// observe events via Endpoint.DrainMessages, exactly as any other actor
// child.
type Transport interface {
	Endpoint() *actor.Endpoint
	// Close releases any background resources (sockets, goroutines) the
	// transport owns. Idempotent.
	Close() error
}

// Pump drives an actor endpoint's Process loop from a dedicated goroutine so
// transports with real I/O (sockets, relt) can react to Request/Publish
// traffic without the parent polling them manually. It is the "implementers
// MAY offer parallel worker pools" allowance from spec §4.A — the visible
// ordering contract at the Endpoint boundary stays FIFO regardless.
type Pump struct {
	endpoint *actor.Endpoint
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// NewPump starts a background goroutine that calls endpoint.Process on every
// wake-up (see Pump.Wake) or at least every tick, whichever comes first.
// onDrain is called with whatever DrainMessages produced after each Process.
func NewPump(endpoint *actor.Endpoint, tick time.Duration, onDrain func([]actor.InboundMessage)) *Pump {
	p := &Pump{
		endpoint: endpoint,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run(tick, onDrain)
	return p
}

func (p *Pump) run(tick time.Duration, onDrain func([]actor.InboundMessage)) {
	defer close(p.done)
	timer := time.NewTicker(tick)
	defer timer.Stop()
	for {
		p.endpoint.Process(time.Now())
		if msgs := p.endpoint.DrainMessages(); len(msgs) > 0 && onDrain != nil {
			onDrain(msgs)
		}
		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// Wake requests an out-of-band Process cycle as soon as possible, instead of
// waiting for the next tick.
func (p *Pump) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop halts the pump goroutine and waits for it to exit.
func (p *Pump) Stop() {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.stop)
	<-p.done
}
