package types

import "time"

// DefaultRequestTimeout is the per-request default timeout from spec §6.
const DefaultRequestTimeout = 2000 * time.Millisecond

// MaxRetryAttempts bounds gateway send retries (spec §4.F, §6).
const MaxRetryAttempts = 5

// TransportConfig is the tagged union spec §6 enumerates as
// `transport_configs: [Websocket{tls}|Memory{id}]`, plus a Relt variant.
type TransportConfig interface {
	isTransportConfig()
}

type WebsocketTransportConfig struct {
	TLS bool
}

func (WebsocketTransportConfig) isTransportConfig() {}

type MemoryTransportConfig struct {
	ID string
}

func (MemoryTransportConfig) isTransportConfig() {}

type ReltTransportConfig struct {
	GroupAddress string
}

func (ReltTransportConfig) isTransportConfig() {}

// Configuration is the engine construction input, the full field set
// enumerated in spec §6.
type Configuration struct {
	NetworkId           NetworkId
	TransportConfigs    []TransportConfig
	BootstrapNodes      []URI
	WorkDir             string
	LogLevel            byte
	BindUrl             URI
	DHTGossipInterval   time.Duration
	DHTTimeoutThreshold time.Duration
	DHTCustomConfig     []byte
	Logger              Logger
}
