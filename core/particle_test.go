package core_test

import (
	"testing"
	"time"

	core "fluence-peer/core"
)

func newTestKeyPair(t *testing.T) *core.KeyPair {
	t.Helper()
	kp, err := core.NewKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestCreateNewParticleSignsAndVerifies(t *testing.T) {
	kp := newTestKeyPair(t)
	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}
	if p.ID == "" {
		t.Fatalf("expected a generated particle id")
	}
	if !core.VerifySignature(p) {
		t.Fatalf("expected signature to verify")
	}
}

func TestCreateNewParticleRejectsInvalidInput(t *testing.T) {
	kp := newTestKeyPair(t)
	if _, err := core.CreateNewParticle("", kp.GetPeerID(), 5000, kp); err == nil {
		t.Fatalf("expected error for empty script")
	}
	if _, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 0, kp); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	if _, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, nil); err == nil {
		t.Fatalf("expected error for nil keypair")
	}
}

func TestCloneWithNewDataPreservesIdentity(t *testing.T) {
	kp := newTestKeyPair(t)
	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}
	clone := core.CloneWithNewData(p, []byte("new-data"))
	if clone.ID != p.ID || clone.Timestamp != p.Timestamp || clone.TTL != p.TTL || clone.Script != p.Script {
		t.Fatalf("clone changed identity fields")
	}
	if string(clone.Data) != "new-data" {
		t.Fatalf("expected cloned data to be set")
	}
	if !core.VerifySignature(clone) {
		t.Fatalf("expected clone's preserved signature to still verify")
	}
}

func TestHasExpiredAndGetActualTTL(t *testing.T) {
	kp := newTestKeyPair(t)
	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 10, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}
	now := time.UnixMilli(int64(p.Timestamp))
	if core.HasExpired(p, now) {
		t.Fatalf("should not be expired immediately")
	}
	later := now.Add(50 * time.Millisecond)
	if !core.HasExpired(p, later) {
		t.Fatalf("should be expired after ttl elapses")
	}
	if core.GetActualTTL(p, later) != 0 {
		t.Fatalf("expired particle should report zero remaining ttl")
	}
}

func TestVerifySignatureRejectsTamperedScript(t *testing.T) {
	kp := newTestKeyPair(t)
	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}
	p.Script = "(seq (null) (null))"
	if core.VerifySignature(p) {
		t.Fatalf("expected signature verification to fail after tampering")
	}
}
