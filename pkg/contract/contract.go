// Package contract declares the interfaces for the collaborators spec.md §1
// places out of scope: the cryptographic primitive provider, the persistent
// keystore and the entry-content store. The engine only ever depends on
// these interfaces; a concrete crypto/keystore/storage implementation is a
// separate module's concern.
package contract

import "github.com/nimbusmesh/p2p-engine/pkg/types"

// Crypto provides the signing primitive backing PeerName derivation and the
// opening handshake. Out of scope per spec.md §1.
type Crypto interface {
	GenerateSignKeypair() (public []byte, private []byte, err error)
	Sign(private []byte, data []byte) (signature []byte, err error)
	Verify(public []byte, data []byte, signature []byte) (bool, error)
	Hash(data []byte) []byte
}

// Keystore persists the node's signing key material across restarts. Out of
// scope per spec.md §1.
type Keystore interface {
	Save(workDir string, public, private []byte) error
	Load(workDir string) (public, private []byte, err error)
}

// EntryStore is the content-addressable store with an EAV index that
// actually holds aspect bodies; the DHT only ever tracks which addresses are
// held, never the bytes themselves. Out of scope per spec.md §1.
type EntryStore interface {
	Put(entry types.EntryData) error
	Get(address types.EntryAddress) (types.EntryData, bool, error)
	Aspects(address types.EntryAddress) ([]types.AspectAddress, error)
}
