package dht

import (
	"sync"
	"time"

	"github.com/nimbusmesh/p2p-engine/pkg/actor"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// DHT is a mirror-replication DHT actor (spec §4.E). Unlike the transport
// actors, it owns no socket and runs no background goroutine: its owner (a
// gateway) drives it inline by calling Tick once per process cycle, which
// both services the actor mailbox and checks the periodic gossip timer —
// matching spec §4.G's "process multiplexer (which processes the network
// gateway and its DHT)".
type DHT struct {
	logger           types.Logger
	gossipInterval   time.Duration
	timeoutThreshold time.Duration

	mu           sync.Mutex
	thisPeer     types.PeerData
	peers        map[types.PeerName]types.PeerData
	entries      map[types.EntryAddress]map[types.AspectAddress]types.AspectData
	authored     map[types.EntryAddress]bool
	lastGossipAt time.Time

	up   *actor.Endpoint // held by the owning gateway
	self *actor.Endpoint // driven by Tick
}

// New constructs a DHT seeded with thisPeer's own identity.
func New(thisPeer types.PeerData, gossipInterval, timeoutThreshold time.Duration, logger types.Logger) *DHT {
	up, self := actor.NewChannel(0)
	return &DHT{
		logger:           logger,
		gossipInterval:   gossipInterval,
		timeoutThreshold: timeoutThreshold,
		thisPeer:         thisPeer,
		peers:            make(map[types.PeerName]types.PeerData),
		entries:          make(map[types.EntryAddress]map[types.AspectAddress]types.AspectData),
		authored:         make(map[types.EntryAddress]bool),
		up:               up,
		self:             self,
	}
}

func (d *DHT) Endpoint() *actor.Endpoint { return d.up }

// SetThisPeerLocation updates this node's own PeerData location, used once
// the owning gateway's bind completes and the bound URL is known.
func (d *DHT) SetThisPeerLocation(location types.URI) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thisPeer.PeerLocation = location
}

// ThisPeer returns this node's own PeerData directly, bypassing the actor
// mailbox. Safe to call from the owning gateway's goroutine; used where an
// async RequestThisPeerRequest round-trip isn't warranted (e.g. the engine
// seeding a new per-space DHT's location at JoinSpace time).
func (d *DHT) ThisPeer() types.PeerData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thisPeer
}

// Tick services pending mailbox traffic and, if gossip_interval has
// elapsed, emits a GossipTo event for every known peer (spec §4.E
// Algorithms). Returns whether any work was performed.
func (d *DHT) Tick(now time.Time) bool {
	didWork := d.self.Process(now)

	for _, m := range d.self.DrainMessages() {
		didWork = true
		d.handleRequest(m)
	}

	if d.checkPeerTimeouts(now) {
		didWork = true
	}

	if d.maybeGossip(now) {
		didWork = true
	}

	return didWork
}

func (d *DHT) handleRequest(m actor.InboundMessage) {
	switch req := m.Payload.(type) {
	case RequestThisPeerRequest:
		d.mu.Lock()
		peer := d.thisPeer
		d.mu.Unlock()
		m.Respond(RequestThisPeerResponse{Peer: peer}, nil)

	case RequestPeerRequest:
		d.mu.Lock()
		peer, ok := d.peers[req.PeerName]
		d.mu.Unlock()
		m.Respond(RequestPeerResponse{Peer: peer, Found: ok}, nil)

	case HoldPeerRequest:
		d.holdPeer(req.Peer)
		m.Respond(HoldPeerResponse{}, nil)

	case HoldEntryAspectAddressRequest:
		d.holdEntry(req.Entry)
		m.Respond(HoldEntryAspectAddressResponse{}, nil)

	case BroadcastEntryRequest:
		d.holdEntry(req.Entry)
		d.mu.Lock()
		d.authored[req.Entry.Address] = true
		d.mu.Unlock()
		m.Respond(BroadcastEntryResponse{}, nil)

	case RequestAspectsOfRequest:
		d.mu.Lock()
		aspects, ok := d.entries[req.Entry]
		addrs := make([]types.AspectAddress, 0, len(aspects))
		for a := range aspects {
			addrs = append(addrs, a)
		}
		d.mu.Unlock()
		m.Respond(RequestAspectsOfResponse{Aspects: addrs, Found: ok}, nil)

	case ListPeersRequest:
		d.mu.Lock()
		peers := make([]types.PeerData, 0, len(d.peers))
		for _, p := range d.peers {
			peers = append(peers, p)
		}
		d.mu.Unlock()
		m.Respond(ListPeersResponse{Peers: peers}, nil)

	case HandleGossipBundleRequest:
		d.mergeBundle(req.FromPeer, req.Bundle)
		m.Respond(HandleGossipBundleResponse{}, nil)

	default:
		d.logger.Warnf("dht: unexpected request %#v", m.Payload)
	}
}

// holdPeer inserts or updates a peer's presence, applying the
// newer-timestamp-wins invariant (spec §3).
func (d *DHT) holdPeer(candidate types.PeerData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.peers[candidate.PeerName]
	if !ok || existing.Supersedes(candidate) {
		d.peers[candidate.PeerName] = candidate
	}
}

// holdEntry records an entry's aspects idempotently (spec §4.E
// "HoldEntryAspectAddress ... idempotent").
func (d *DHT) holdEntry(entry types.EntryData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.entries[entry.Address]
	if !ok {
		set = make(map[types.AspectAddress]types.AspectData)
		d.entries[entry.Address] = set
	}
	for _, a := range entry.Aspects {
		set[a.Address] = a
	}
}

// mergeBundle applies an inbound gossip bundle: peer updates are merged
// before entry updates, ties broken by peer timestamp (spec §4.E
// Algorithms). For any entry whose aspect set contains an address this DHT
// hasn't seen, a HoldEntryRequested event is emitted so the owner can decide
// whether to fetch and validate it.
func (d *DHT) mergeBundle(fromPeer types.PeerName, bundle GossipBundle) {
	for _, p := range bundle.Peers {
		d.holdPeer(p)
		d.self.Publish(HoldPeerRequestedEvent{Peer: p})
	}

	for _, summary := range bundle.Entries {
		d.mu.Lock()
		known := d.entries[summary.Address]
		var missing []types.AspectAddress
		for _, addr := range summary.Aspects {
			if _, have := known[addr]; !have {
				missing = append(missing, addr)
			}
		}
		d.mu.Unlock()

		if len(missing) == 0 {
			continue
		}
		aspects := make([]types.AspectData, 0, len(missing))
		for _, addr := range missing {
			aspects = append(aspects, types.AspectData{Address: addr})
		}
		d.self.Publish(HoldEntryRequestedEvent{
			FromPeer: fromPeer,
			Entry:    types.EntryData{Address: summary.Address, Aspects: aspects},
		})
	}
}

// checkPeerTimeouts emits PeerTimedOut for any peer whose last-seen
// timestamp exceeds timeout_threshold (spec §4.E).
func (d *DHT) checkPeerTimeouts(now time.Time) bool {
	if d.timeoutThreshold <= 0 {
		return false
	}
	cutoff := now.Add(-d.timeoutThreshold).UnixMilli()

	d.mu.Lock()
	var timedOut []types.PeerName
	for name, p := range d.peers {
		if p.Timestamp < cutoff {
			timedOut = append(timedOut, name)
			delete(d.peers, name)
		}
	}
	d.mu.Unlock()

	for _, name := range timedOut {
		d.self.Publish(PeerTimedOutEvent{PeerName: name})
	}
	return len(timedOut) > 0
}

// maybeGossip emits GossipTo for every currently-known peer once per
// gossip_interval (spec §4.E Algorithms).
func (d *DHT) maybeGossip(now time.Time) bool {
	if d.gossipInterval <= 0 {
		return false
	}
	d.mu.Lock()
	if !d.lastGossipAt.IsZero() && now.Sub(d.lastGossipAt) < d.gossipInterval {
		d.mu.Unlock()
		return false
	}
	d.lastGossipAt = now

	names := make([]types.PeerName, 0, len(d.peers))
	for name := range d.peers {
		names = append(names, name)
	}
	bundle := d.buildBundleLocked()
	d.mu.Unlock()

	if len(names) == 0 {
		return false
	}
	d.self.Publish(GossipToEvent{PeerNames: names, Bundle: bundle})
	return true
}

func (d *DHT) buildBundleLocked() GossipBundle {
	peers := make([]types.PeerData, 0, len(d.peers)+1)
	peers = append(peers, d.thisPeer)
	for _, p := range d.peers {
		peers = append(peers, p)
	}

	entries := make([]EntrySummary, 0, len(d.entries))
	for addr, aspects := range d.entries {
		addrs := make([]types.AspectAddress, 0, len(aspects))
		for a := range aspects {
			addrs = append(addrs, a)
		}
		entries = append(entries, EntrySummary{Address: addr, Aspects: addrs})
	}

	return GossipBundle{Peers: peers, Entries: entries}
}
