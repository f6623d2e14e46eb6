package gateway

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nimbusmesh/p2p-engine/pkg/dht"
)

// marshalBundle/unmarshalBundle serialize a dht.GossipBundle into the opaque
// Bundle []byte field of a p2pframe.GossipData — the DHT itself stays
// unaware of the wire encoding (spec §3: "bundle" is opaque to the gossip
// transport, only meaningful to the two DHTs exchanging it).
func marshalBundle(b dht.GossipBundle) ([]byte, error) {
	return msgpack.Marshal(b)
}

func unmarshalBundle(raw []byte, out *dht.GossipBundle) error {
	return msgpack.Unmarshal(raw, out)
}
