// Package wstransport implements the Websocket{tls} transport config from
// spec §6 on top of github.com/gorilla/websocket, the transport nspcc-dev
// neo-go's RPC layer uses for its subscription feed.
package wstransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/transport"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Transport is a wss:// (or ws://, when Config.TLS is false) Transport actor.
// Bind starts an HTTP listener that upgrades every incoming request to a
// websocket connection; SendMessage dials out (caching the dialed
// connection per destination authority) and writes a binary frame.
type Transport struct {
	cfg    types.WebsocketTransportConfig
	logger types.Logger

	mu       sync.Mutex
	bound    bool
	boundURI types.URI
	listener net.Listener
	conns    map[string]*websocket.Conn // authority -> live connection

	child *actor.Endpoint
	peer  *actor.Endpoint
	pump  *transport.Pump
}

func New(cfg types.WebsocketTransportConfig, logger types.Logger) *Transport {
	parent, child := actor.NewChannel(0)
	t := &Transport{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*websocket.Conn),
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
	for _, c := range t.conns {
		_ = c.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
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
			t.logger.Warnf("websocket transport: unexpected message %#v", m.Payload)
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

	ln, err := net.Listen("tcp", req.Spec.Authority)
	if err != nil {
		m.Respond(nil, fmt.Errorf("binding websocket listener: %w", err))
		return
	}

	scheme := "ws"
	if t.cfg.TLS {
		scheme = "wss"
		ln = tls.NewListener(ln, &tls.Config{})
	}
	bound := types.URI{Scheme: scheme, Authority: ln.Addr().String()}

	t.mu.Lock()
	t.bound = true
	t.boundURI = bound
	t.listener = ln
	t.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)
	go func() {
		_ = http.Serve(ln, mux)
	}()

	m.Respond(transport.BindResponse{BoundURL: bound}, nil)
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	remote := types.URI{Scheme: "ws", Authority: r.RemoteAddr}
	t.trackConn(remote.Authority, conn)
	t.child.Publish(transport.IncomingConnectionEvent{URI: remote})
	go t.readLoop(remote, conn)
}

func (t *Transport) trackConn(authority string, conn *websocket.Conn) {
	t.mu.Lock()
	t.conns[authority] = conn
	t.mu.Unlock()
}

func (t *Transport) readLoop(remote types.URI, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.child.Publish(transport.ErrorOccurredEvent{URI: remote, Err: err})
			return
		}
		t.child.Publish(transport.ReceivedDataEvent{URI: remote, Payload: data})
		t.pump.Wake()
	}
}

func (t *Transport) handleSend(m actor.InboundMessage, req transport.SendMessageRequest) {
	t.mu.Lock()
	bound := t.bound
	t.mu.Unlock()
	if !bound {
		m.Respond(nil, types.ErrNotBound)
		return
	}

	conn, err := t.dial(req.Destination)
	if err != nil {
		m.Respond(nil, err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, req.Payload); err != nil {
		m.Respond(nil, fmt.Errorf("writing websocket message: %w", err))
		return
	}
	m.Respond(transport.SendMessageResponse{}, nil)
}

func (t *Transport) dial(destination types.URI) (*websocket.Conn, error) {
	t.mu.Lock()
	conn, ok := t.conns[destination.Authority]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}

	scheme := "ws"
	if destination.Scheme == "wss" {
		scheme = "wss"
	}
	u := fmt.Sprintf("%s://%s/", scheme, destination.Authority)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u, err)
	}
	t.trackConn(destination.Authority, conn)
	go t.readLoop(destination, conn)
	return conn, nil
}
