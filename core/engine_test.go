package core_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	core "fluence-peer/core"
)

// fakeConnection is a Connection that never talks to a real relay; it
// records every SendParticle call and lets the test inject inbound
// particles through its source channel.
type fakeConnection struct {
	mu   sync.Mutex
	sent []core.Particle

	relay  core.PeerID
	source chan core.Particle
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{relay: core.PeerID("relay"), source: make(chan core.Particle, 8)}
}

func (f *fakeConnection) Start(ctx context.Context) error { return nil }
func (f *fakeConnection) Stop() error                      { return nil }
func (f *fakeConnection) SupportsRelay() bool               { return true }
func (f *fakeConnection) GetRelayPeerID() core.PeerID       { return f.relay }
func (f *fakeConnection) ParticleSource() <-chan core.Particle { return f.source }

func (f *fakeConnection) SendParticle(nextPeerIDs []core.PeerID, p core.Particle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func newTestEngine(t *testing.T, watFixture string) (*core.Engine, *fakeConnection, *core.KeyPair) {
	t.Helper()
	wasm := compileWAT(t, watFixture)

	marine := core.NewMarineHost(nil)
	if err := marine.CreateService(wasm, core.AVMServiceID); err != nil {
		t.Fatalf("register avm: %v", err)
	}
	services := core.NewServiceHost()
	conn := newFakeConnection()
	kp := newTestKeyPair(t)
	cfg := core.DefaultPeerConfig()

	eng := core.NewEngine(marine, services, conn, kp, cfg, nil)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng, conn, kp
}

func TestEngineResolvesImmediatelyWhenAVMHasNoNextHops(t *testing.T) {
	eng, _, kp := newTestEngine(t, "testdata/echo_avm.wat")

	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}

	done := make(chan struct{})
	var succeeded bool
	err = eng.InitiateParticle(p,
		func(v json.RawMessage) { succeeded = true; close(done) },
		func(err error) { t.Errorf("unexpected failure: %v", err); close(done) },
	)
	if err != nil {
		t.Fatalf("initiate particle: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	if !succeeded {
		t.Fatalf("expected onSuccess to fire")
	}
}

func TestEngineResolvesViaCallbackSrvResponse(t *testing.T) {
	eng, _, kp := newTestEngine(t, "testdata/callback_avm.wat")

	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}

	done := make(chan struct{})
	var result string
	err = eng.InitiateParticle(p,
		func(v json.RawMessage) {
			_ = jsonUnmarshalString(v, &result)
			close(done)
		},
		func(err error) { t.Errorf("unexpected failure: %v", err); close(done) },
	)
	if err != nil {
		t.Fatalf("initiate particle: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	if result != "echo-value" {
		t.Fatalf("expected callbackSrv.response value, got %q", result)
	}
}

func TestEngineExpiresAlreadyStaleParticle(t *testing.T) {
	eng, _, kp := newTestEngine(t, "testdata/echo_avm.wat")

	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 1, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let the 1ms ttl lapse before enqueueing

	done := make(chan struct{})
	var gotExpirationErr bool
	err = eng.InitiateParticle(p,
		func(v json.RawMessage) { t.Errorf("unexpected success"); close(done) },
		func(err error) {
			_, gotExpirationErr = err.(*core.ExpirationError)
			close(done)
		},
	)
	if err != nil {
		t.Fatalf("initiate particle: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiration")
	}
	if !gotExpirationErr {
		t.Fatalf("expected an ExpirationError")
	}
}

func TestEngineRejectsViaErrorHandlingSrv(t *testing.T) {
	eng, _, kp := newTestEngine(t, "testdata/error_avm.wat")

	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}

	done := make(chan struct{})
	var gotErr error
	err = eng.InitiateParticle(p,
		func(v json.RawMessage) { t.Errorf("unexpected success"); close(done) },
		func(err error) { gotErr = err; close(done) },
	)
	if err != nil {
		t.Fatalf("initiate particle: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejection")
	}
	interpErr, ok := gotErr.(*core.InterpreterError)
	if !ok {
		t.Fatalf("expected an InterpreterError, got %v", gotErr)
	}
	if interpErr.Message != "boom" {
		t.Fatalf("expected AIR-supplied message %q, got %q", "boom", interpErr.Message)
	}
}

func TestInitiateParticleAfterStopReturnsNotInitialized(t *testing.T) {
	eng, _, kp := newTestEngine(t, "testdata/echo_avm.wat")
	if err := eng.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	p, err := core.CreateNewParticle("(null)", kp.GetPeerID(), 5000, kp)
	if err != nil {
		t.Fatalf("create particle: %v", err)
	}
	err = eng.InitiateParticle(p, func(json.RawMessage) {}, func(error) {})
	if _, ok := err.(*core.NotInitialized); !ok {
		t.Fatalf("expected NotInitialized, got %v", err)
	}
}
