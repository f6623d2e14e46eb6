// Package identity derives the node's PeerName from its signing keypair and
// implements the wire encoding the transport-encoding layer's handshake
// heuristic depends on (spec §4.C, §6).
package identity

import (
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/nimbusmesh/p2p-engine/pkg/contract"
	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// HandshakeFrameLength is the length, in bytes, of the raw handshake payload
// the encoding layer recognizes: the "Hc" magic plus a base58-encoded
// public key padded/truncated to fit. See spec §6 — heuristically identified
// by length==63 and leading "Hc", with no explicit length prefix or version
// tag (an acknowledged Open Question in spec §9).
const HandshakeFrameLength = 63

const handshakeMagic = "Hc"

// TransportKeys is the node's signing keypair plus its derived PeerName.
type TransportKeys struct {
	PeerName types.PeerName
	Public   []byte
	private  []byte
}

// GenerateKeys generates a fresh signing keypair via the given crypto
// provider and derives the PeerName from the public key. A failure here is
// Fatal per spec §7 category 5 — the engine is not usable without it.
func GenerateKeys(crypto contract.Crypto) (TransportKeys, error) {
	pub, priv, err := crypto.GenerateSignKeypair()
	if err != nil {
		return TransportKeys{}, fmt.Errorf("generating transport keypair: %w", err)
	}
	return TransportKeys{
		PeerName: EncodePeerName(pub),
		Public:   pub,
		private:  priv,
	}, nil
}

// Sign signs data with the node's private key.
func (k TransportKeys) Sign(crypto contract.Crypto, data []byte) ([]byte, error) {
	return crypto.Sign(k.private, data)
}

// EncodePeerName base58-encodes a public key into the PeerName namespace
// (spec §3: "string (base-encoded public key)").
func EncodePeerName(public []byte) types.PeerName {
	return types.PeerName(base58.Encode(public))
}

// DecodePeerName reverses EncodePeerName.
func DecodePeerName(name types.PeerName) ([]byte, error) {
	b, err := base58.Decode(string(name))
	if err != nil {
		return nil, fmt.Errorf("decoding peer name %q: %w", name, err)
	}
	return b, nil
}

// EncodeHandshakeFrame builds the raw 63-byte handshake payload: the "Hc"
// magic, then the PeerName, truncated/padded with '_' to the fixed wire
// length. This is the exact heuristic spec §4.C/§6 calls out as a wire
// debt ("a length-prefixed form would be preferable").
func EncodeHandshakeFrame(name types.PeerName) []byte {
	buf := make([]byte, HandshakeFrameLength)
	copy(buf, handshakeMagic)
	copy(buf[len(handshakeMagic):], name)
	for i := len(handshakeMagic) + len(name); i < HandshakeFrameLength; i++ {
		buf[i] = '_'
	}
	return buf
}

// IsHandshakeFrame implements the detection heuristic: len==63 &&
// bytes[0:2]=="Hc".
func IsHandshakeFrame(payload []byte) bool {
	return len(payload) == HandshakeFrameLength && string(payload[:2]) == handshakeMagic
}

// DecodeHandshakeFrame extracts the PeerName from a handshake payload. The
// caller must have already validated IsHandshakeFrame.
func DecodeHandshakeFrame(payload []byte) types.PeerName {
	trimmed := payload[len(handshakeMagic):]
	end := len(trimmed)
	for end > 0 && trimmed[end-1] == '_' {
		end--
	}
	return types.PeerName(trimmed[:end])
}
