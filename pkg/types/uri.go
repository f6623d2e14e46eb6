package types

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// URI is the structured location used throughout the engine. Two forms
// coexist: a low-level URI (e.g. "wss://host:port") and an identity-qualified
// URI carrying the remote PeerName as the "a" query parameter
// ("wss://host:port?a=<PeerName>").
type URI struct {
	Scheme    string
	Authority string
	Query     url.Values
}

// ParseURI parses a raw URI string of the form scheme://authority?k=v&...
func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("parsing uri %q: %w", raw, err)
	}
	authority := u.Host
	if u.Opaque != "" {
		// URIs like "agentId:<peer_name>" or "transportid:<machine>" have no
		// "//" authority and parse into Opaque instead of Host.
		authority = u.Opaque
	}
	return URI{
		Scheme:    u.Scheme,
		Authority: authority,
		Query:     u.Query(),
	}, nil
}

// MustParseURI panics on malformed input; used for compile-time-known URIs in
// tests and internal synthesis paths.
func MustParseURI(raw string) URI {
	u, err := ParseURI(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Low strips any query parameters, returning the low-level (non
// identity-qualified) form of the URI.
func (u URI) Low() URI {
	return URI{Scheme: u.Scheme, Authority: u.Authority}
}

// WithPeerName returns an identity-qualified copy of u, appending/overwriting
// the "a" query parameter with the given PeerName.
func (u URI) WithPeerName(name PeerName) URI {
	q := url.Values{}
	for k, v := range u.Query {
		q[k] = v
	}
	q.Set("a", string(name))
	return URI{Scheme: u.Scheme, Authority: u.Authority, Query: q}
}

// PeerName extracts the "a" query parameter, if present.
func (u URI) PeerName() (PeerName, bool) {
	if u.Query == nil {
		return "", false
	}
	v := u.Query.Get("a")
	if v == "" {
		return "", false
	}
	return PeerName(v), true
}

// String renders the URI back to its canonical textual form. Query
// parameters are sorted for deterministic output (map comparisons in tests).
func (u URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	if strings.HasPrefix(u.Authority, "/") || u.Scheme == "" {
		b.WriteString(":")
	} else {
		b.WriteString("://")
	}
	b.WriteString(u.Authority)
	if len(u.Query) > 0 {
		keys := make([]string, 0, len(u.Query))
		for k := range u.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("?")
		for i, k := range keys {
			if i > 0 {
				b.WriteString("&")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(u.Query.Get(k))
		}
	}
	return b.String()
}

// Equal compares two URIs by their canonical string form.
func (u URI) Equal(other URI) bool {
	return u.String() == other.String()
}

// AgentURI builds the "agentId:<peer_name>" destination URI used by the
// engine to address direct messages (spec §6).
func AgentURI(name PeerName) URI {
	return URI{Scheme: "agentId", Authority: string(name)}
}

// TransportIDURI builds the "transportid:<machine>?a=<agent>" URI the
// multiplex synthesizes when re-injecting space traffic (spec §6).
func TransportIDURI(machine string, agent AgentId) URI {
	u := URI{Scheme: "transportid", Authority: machine, Query: url.Values{}}
	u.Query.Set("a", string(agent))
	return u
}
