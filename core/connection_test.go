package core

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	kp, err := NewKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	p, err := CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}
	p = CloneWithNewData(p, []byte("some-data"))

	var buf bytes.Buffer
	if err := writeFrame(&buf, toEnvelope(p)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	env, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	got := env.toParticle()
	if got.ID != p.ID || got.Script != p.Script || string(got.Data) != string(p.Data) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
	if env.Action != "Particle" {
		t.Fatalf("unexpected action %q", env.Action)
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xff // absurdly large length prefix
	buf.Write(lenBuf[:])

	if _, err := readFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatalf("expected an error for an oversized frame")
	}
}
