// Command simchat is an interactive terminal chat client over the p2p
// engine, grounded on the original sim_chat tool: a readline loop that
// turns slash-commands into engine requests and prints incoming events as
// they drain. Unlike the original, a plain (non-slash) line is a genuine
// channel-wide broadcast via PublishEntry rather than a silent no-op.
package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/engine"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

var (
	app = kingpin.New("simchat", "Interactive chat client over the p2p engine.")

	bindURL  = app.Flag("bind", "URL to bind the local transport to.").Default("ws://127.0.0.1:0").String()
	agent    = app.Flag("agent", "Agent handle to join spaces as.").Required().String()
	space    = app.Flag("space", "Space to join at startup.").Default("lobby").String()
	bootstrap = app.Flag("bootstrap", "Peer URI to connect to at startup.").String()
	logLevel = app.Flag("log-level", "Log level character: t,d,i,w,e.").Default("w").String()
)

var commandLine = regexp.MustCompile(`^/([a-z]+)\s?(.*)$`)

var (
	infoColor = color.New(color.FgCyan)
	warnColor = color.New(color.FgYellow)
	chatColor = color.New(color.FgGreen)
	dmColor   = color.New(color.FgMagenta)
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := types.NewZapLogger(types.LevelFromChar([]byte(*logLevel)[0]))

	cfg := types.Configuration{
		TransportConfigs:    []types.TransportConfig{types.WebsocketTransportConfig{TLS: false}},
		BindUrl:             types.MustParseURI(*bindURL),
		DHTGossipInterval:   5 * time.Second,
		DHTTimeoutThreshold: time.Minute,
	}

	e, err := engine.New(cfg, devCrypto{}, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "simchat: starting engine:", err)
		os.Exit(1)
	}
	defer e.Close()

	c := &client{
		engine: e,
		agent:  types.AgentId(*agent),
		space:  types.SpaceAddress(*space),
		store:  make(map[types.EntryAddress]types.EntryData),
	}

	go c.drainLoop()

	if *bootstrap != "" {
		c.connect(types.MustParseURI(*bootstrap))
	}
	c.join(c.space)

	infoColor.Printf("simchat: agent=%s space=%s peer=%s\n", c.agent, c.space, e.PeerName())
	c.repl()
}

// client holds the engine handle and the local echo of entries this process
// has authored, serving HandleFetchEntryEvent requests the engine raises on
// our behalf.
type client struct {
	engine *engine.Engine
	agent  types.AgentId
	space  types.SpaceAddress

	mu    sync.Mutex
	store map[types.EntryAddress]types.EntryData
}

func (c *client) repl() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.handleLine(line)
	}
}

func (c *client) handleLine(line string) {
	if m := commandLine.FindStringSubmatch(line); m != nil {
		c.handleCommand(m[1], strings.TrimSpace(m[2]))
		return
	}
	c.broadcast(line)
}

func (c *client) handleCommand(cmd, rest string) {
	switch cmd {
	case "help":
		printHelp()
	case "join":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			warnColor.Println("usage: /join <space> <agent>")
			return
		}
		c.part()
		c.space = types.SpaceAddress(parts[0])
		c.agent = types.AgentId(parts[1])
		c.join(c.space)
	case "part":
		c.part()
	case "msg":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			warnColor.Println("usage: /msg <agent> <text>")
			return
		}
		c.directMessage(types.AgentId(parts[0]), []byte(parts[1]))
	default:
		warnColor.Printf("unknown command /%s — try /help\n", cmd)
	}
}

func printHelp() {
	infoColor.Println("/help                  show this text")
	infoColor.Println("/join <space> <agent>  leave the current space, join another as <agent>")
	infoColor.Println("/part                  leave the current space")
	infoColor.Println("/msg <agent> <text>    send a direct message")
	infoColor.Println("<anything else>        broadcast to everyone in the current space")
}

func (c *client) connect(peer types.URI) {
	c.syncRequest(engine.ConnectRequest{RequestId: actor.NewRequestID("connect"), PeerURI: peer})
}

func (c *client) join(space types.SpaceAddress) {
	result := c.syncRequest(engine.JoinSpaceRequest{RequestId: actor.NewRequestID("join"), Space: space, Agent: c.agent})
	if _, ok := result.Value.(engine.SuccessResult); !ok {
		warnColor.Printf("join %s failed: %v\n", space, result.Err)
	}
}

func (c *client) part() {
	result := c.syncRequest(engine.LeaveSpaceRequest{RequestId: actor.NewRequestID("part"), Space: c.space, Agent: c.agent})
	if _, ok := result.Value.(engine.SuccessResult); !ok {
		warnColor.Printf("part %s failed: %v\n", c.space, result.Err)
	}
}

func (c *client) directMessage(to types.AgentId, payload []byte) {
	c.engine.Endpoint().Request(engine.SendDirectMessageRequest{
		RequestId: actor.NewRequestID("dm"),
		Space:     c.space,
		FromAgent: c.agent,
		ToAgent:   to,
		Payload:   payload,
	}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			warnColor.Printf("message to %s failed: %v\n", to, d.Err)
		}
	})
}

// broadcast publishes a single-aspect entry to the joined space: the
// channel-wide send the original sim_chat tool left unimplemented
// (ChatEvent::SendChannelMessage was a no-op there).
func (c *client) broadcast(text string) {
	addr := types.EntryAddress(actor.NewRequestID("chat"))
	entry := types.EntryData{
		Address: addr,
		Aspects: []types.AspectData{{
			Address:       types.AspectAddress(addr),
			TypeHint:      "chat.message",
			Body:          []byte(text),
			PublishedAtMs: time.Now().UnixMilli(),
		}},
	}

	c.mu.Lock()
	c.store[addr] = entry
	c.mu.Unlock()

	c.engine.Endpoint().Request(engine.PublishEntryRequest{
		RequestId: actor.NewRequestID("publish"),
		Space:     c.space,
		Agent:     c.agent,
		Entry:     entry,
	}, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		if d.Kind != actor.CallbackResponse || d.Err != nil {
			warnColor.Printf("broadcast failed: %v\n", d.Err)
		}
	})
}

func (c *client) syncRequest(payload interface{}) actor.CallbackData {
	var out actor.CallbackData
	done := make(chan struct{})
	c.engine.Endpoint().Request(payload, types.DefaultRequestTimeout, func(d actor.CallbackData) {
		out = d
		close(done)
	})
	<-done
	return out
}

// drainLoop drives our side of the engine's client Endpoint exactly like the
// engine drives its own internal endpoints: poll Process to absorb whatever
// the engine staged, then DrainMessages and act on each one. Prints every
// event the engine raises and answers every tracked request it raises on our
// behalf — HandleFetchEntryEvent, the gossiping and authoring entry-list
// requests — so the engine never stalls waiting on a client that went quiet.
func (c *client) drainLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		c.engine.Endpoint().Process(time.Now())
		for _, m := range c.engine.Endpoint().DrainMessages() {
			c.handleEvent(m)
		}
	}
}

func (c *client) handleEvent(m actor.InboundMessage) {
	switch ev := m.Payload.(type) {
	case engine.ConnectedEvent:
		infoColor.Printf("connected: %s\n", ev.PeerURI)
	case engine.DisconnectedEvent:
		warnColor.Printf("disconnected: %s\n", ev.PeerName)
	case engine.HandleSendDirectMessageEvent:
		dmColor.Printf("[%s -> %s] %s\n", ev.FromAgent, ev.ToAgent, string(ev.Payload))
	case engine.HandleStoreEntryAspectEvent:
		for _, a := range ev.Entry.Aspects {
			if a.TypeHint == "chat.message" {
				chatColor.Printf("[%s/%s] %s\n", ev.Space, ev.Agent, string(a.Body))
			}
		}
		m.Respond(engine.SuccessResult{RequestId: ev.RequestId}, nil)
	case engine.HandleFetchEntryEvent:
		c.mu.Lock()
		entry, ok := c.store[ev.Entry]
		c.mu.Unlock()
		if !ok {
			entry = types.EntryData{Address: ev.Entry}
		}
		m.Respond(engine.HandleFetchEntryResultRequest{
			RequestId: ev.RequestId,
			Space:     ev.Space,
			Agent:     ev.Agent,
			Entry:     entry,
		}, nil)
	case engine.HandleGetGossipingEntryListEvent:
		m.Respond(engine.HandleGetGossipingEntryListResultRequest{RequestId: ev.RequestId, Space: ev.Space, Agent: ev.Agent}, nil)
	case engine.HandleGetAuthoringEntryListEvent:
		c.mu.Lock()
		addrs := make([]types.EntryAddress, 0, len(c.store))
		for addr := range c.store {
			addrs = append(addrs, addr)
		}
		c.mu.Unlock()
		m.Respond(engine.HandleGetAuthoringEntryListResultRequest{RequestId: ev.RequestId, Space: ev.Space, Agent: ev.Agent, EntryAddrs: addrs}, nil)
	case engine.HandleQueryEntryEvent:
		c.mu.Lock()
		entry, ok := c.store[ev.Entry]
		c.mu.Unlock()
		if !ok {
			entry = types.EntryData{Address: ev.Entry}
		}
		m.Respond(engine.HandleQueryEntryResultRequest{RequestId: ev.RequestId, Space: ev.Space, Agent: ev.Agent, Entry: entry}, nil)
	case engine.QueryEntryResultEvent:
		// No outstanding local QueryEntry callers in this tool.
	case engine.SendDirectMessageResultEvent, engine.SuccessResult, engine.FailureResult:
		// Responses to our own Request calls are handled by their own
		// callbacks; nothing further to do when they also show up here.
	default:
	}
}
