package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/nimbusmesh/p2p-engine/pkg/contract"
)

// devCrypto is the minimal contract.Crypto implementation simchat needs to
// actually run. package contract treats the signing provider as out of
// scope (spec §1 Non-goal), so there is no pack dependency that owns this
// concern; ed25519/sha256 are the standard library's own answer to "sign and
// hash", not a hand-rolled substitute for something the ecosystem provides.
type devCrypto struct{}

func (devCrypto) GenerateSignKeypair() (public, private []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return []byte(pub), []byte(priv), nil
}

func (devCrypto) Sign(private, data []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(private), data), nil
}

func (devCrypto) Verify(public, data, signature []byte) (bool, error) {
	return ed25519.Verify(ed25519.PublicKey(public), data, signature), nil
}

func (devCrypto) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

var _ contract.Crypto = devCrypto{}
