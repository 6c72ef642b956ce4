package core

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Particle is an immutable, signed, TTL-bounded execution unit carrying an
// AIR script and AVM-opaque accumulated data. Particles are never mutated in
// place; forwarding a particle with new data produces a fresh value via
// CloneWithNewData that preserves every identity field and the signature.
type Particle struct {
	ID         string
	InitPeerID PeerID
	Timestamp  uint64 // ms since epoch
	TTL        uint32 // ms
	Script     string
	Data       []byte
	Signature  []byte
}

// signingPayload returns the canonical byte encoding covered by Signature:
// id || be64(timestamp) || be32(ttl) || script_utf8.
func signingPayload(id string, timestamp uint64, ttl uint32, script string) []byte {
	buf := make([]byte, 0, len(id)+8+4+len(script))
	buf = append(buf, id...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestamp)
	buf = append(buf, tsBuf[:]...)
	var ttlBuf [4]byte
	binary.BigEndian.PutUint32(ttlBuf[:], ttl)
	buf = append(buf, ttlBuf[:]...)
	buf = append(buf, script...)
	return buf
}

// CreateNewParticle mints a fresh particle: a new UUIDv4 id, the current
// timestamp, and a signature over (id, timestamp, ttl, script) under kp.
func CreateNewParticle(script string, initPeerID PeerID, ttl uint32, kp *KeyPair) (Particle, error) {
	if script == "" {
		return Particle{}, &InvalidParticleSpec{Reason: "script is empty"}
	}
	if ttl == 0 {
		return Particle{}, &InvalidParticleSpec{Reason: "ttl is zero"}
	}
	if kp == nil {
		return Particle{}, &InvalidParticleSpec{Reason: "keypair is nil"}
	}

	id := uuid.NewString()
	ts := uint64(time.Now().UnixMilli())
	sig := kp.SignBytes(signingPayload(id, ts, ttl, script))

	return Particle{
		ID:         id,
		InitPeerID: initPeerID,
		Timestamp:  ts,
		TTL:        ttl,
		Script:     script,
		Data:       nil,
		Signature:  sig,
	}, nil
}

// CloneWithNewData returns a new particle identical to p except for its
// data payload. Identity fields and the signature are preserved untouched:
// the signature covers only (id, timestamp, ttl, script), which never
// changes across a particle's lineage.
func CloneWithNewData(p Particle, data []byte) Particle {
	clone := p
	clone.Data = append([]byte(nil), data...)
	clone.Signature = append([]byte(nil), p.Signature...)
	return clone
}

// HasExpired reports whether now is past p's deadline.
func HasExpired(p Particle, now time.Time) bool {
	deadline := time.UnixMilli(int64(p.Timestamp)).Add(time.Duration(p.TTL) * time.Millisecond)
	return now.After(deadline)
}

// GetActualTTL returns the remaining lifetime of p relative to now. It is
// zero (never negative) once the particle has expired.
func GetActualTTL(p Particle, now time.Time) time.Duration {
	deadline := time.UnixMilli(int64(p.Timestamp)).Add(time.Duration(p.TTL) * time.Millisecond)
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// VerifySignature checks that p.Signature is a valid Ed25519 signature by
// p.InitPeerID over the canonical (id, timestamp, ttl, script) payload.
func VerifySignature(p Particle) bool {
	pub, err := p.InitPeerID.PublicKey()
	if err != nil {
		return false
	}
	payload := signingPayload(p.ID, p.Timestamp, p.TTL, p.Script)
	return VerifyEd25519(pub, payload, p.Signature)
}
