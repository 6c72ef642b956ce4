package core

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// multihashEd25519Prefix tags a raw Ed25519 public key as an identity
// multihash (code 0x00, "identity") the way libp2p peer ids do when the
// encoded key is small enough to be used literally instead of hashed.
var multihashEd25519Prefix = []byte{0x00, ed25519.PublicKeySize}

// PeerID is the base58 multihash identity derived from an Ed25519 public key.
type PeerID string

func (id PeerID) String() string { return string(id) }

// PublicKey decodes the Ed25519 public key embedded in the peer id.
func (id PeerID) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base58.Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("peer id %q: %w", id, err)
	}
	if len(raw) != len(multihashEd25519Prefix)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("peer id %q: unexpected length %d", id, len(raw))
	}
	return ed25519.PublicKey(raw[len(multihashEd25519Prefix):]), nil
}

func peerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	raw := make([]byte, 0, len(multihashEd25519Prefix)+len(pub))
	raw = append(raw, multihashEd25519Prefix...)
	raw = append(raw, pub...)
	return PeerID(base58.Encode(raw))
}

// KeyPair holds an Ed25519 identity. It is read-only after construction and
// safe for concurrent use by the engine and the sig builtin service.
type KeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	peerID  PeerID
}

// NewKeyPair generates a fresh random Ed25519 identity.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keypair: generate: %w", err)
	}
	return &KeyPair{public: pub, private: priv, peerID: peerIDFromPublicKey(pub)}, nil
}

// NewKeyPairFromSeed derives a deterministic identity from a 32-byte seed,
// e.g. one loaded from a key file.
func NewKeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keypair: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{public: pub, private: priv, peerID: peerIDFromPublicKey(pub)}, nil
}

// GetPeerID returns the base58 multihash identity derived from the public key.
func (kp *KeyPair) GetPeerID() PeerID { return kp.peerID }

// SignBytes signs an arbitrary byte payload with the private key.
func (kp *KeyPair) SignBytes(data []byte) []byte {
	return ed25519.Sign(kp.private, data)
}

// Verify checks a signature produced by some peer's public key.
func (kp *KeyPair) Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return VerifyEd25519(pub, data, sig)
}

// VerifyEd25519 is a free function wrapper so callers that only have a raw
// public key (e.g. verifying someone else's particle) don't need a KeyPair.
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// ToEd25519PrivateKey returns the raw 32-byte seed, consumed by AVM to prove
// identity when invoking on this peer's behalf. Callers must not retain the
// returned slice beyond the invocation.
func (kp *KeyPair) ToEd25519PrivateKey() []byte {
	return append([]byte(nil), kp.private.Seed()...)
}

// PublicKeyHex is a debugging helper used by the CLI's `peer keys show`.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.public)
}
