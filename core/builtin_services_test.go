package core_test

import (
	"encoding/json"
	"testing"

	core "fluence-peer/core"
)

func newTestPeer(t *testing.T, kp *core.KeyPair) *core.Peer {
	t.Helper()
	return newTestPeerWithFixture(t, kp, "testdata/echo_avm.wat")
}

func newTestPeerWithFixture(t *testing.T, kp *core.KeyPair, watFixture string) *core.Peer {
	t.Helper()
	wasm := compileWAT(t, watFixture)
	conn := newFakeConnection()
	p, err := core.NewPeer(conn, wasm, kp, core.DefaultPeerConfig(), nil)
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = p.Marine.Stop() })
	return p
}

func callDataWithTetraplets(serviceID, fnName, particleID string, initPeerID core.PeerID, args json.RawMessage, tetraplets [][]core.Tetraplet) core.CallServiceData {
	return core.CallServiceData{
		ServiceID:  serviceID,
		FnName:     fnName,
		Args:       args,
		Tetraplets: tetraplets,
		ParticleContext: core.ParticleContext{
			ParticleID: particleID,
			InitPeerID: initPeerID,
			Tetraplets: tetraplets,
		},
	}
}

func TestSigGetPeerID(t *testing.T) {
	kp := newTestKeyPair(t)
	p := newTestPeer(t, kp)

	req := callDataWithTetraplets("sig", "get_peer_id", "p1", kp.GetPeerID(), json.RawMessage(`[]`), nil)
	res, err := p.Services.CallService(req)
	if err != nil {
		t.Fatalf("call sig.get_peer_id: %v", err)
	}
	var got string
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got != string(kp.GetPeerID()) {
		t.Fatalf("expected peer id %q, got %q", kp.GetPeerID(), got)
	}
}

func TestSigSignAllowedForLocalOrigin(t *testing.T) {
	kp := newTestKeyPair(t)
	p := newTestPeer(t, kp)

	payload, _ := json.Marshal([]byte("hello"))
	req := callDataWithTetraplets("sig", "sign", "p1", kp.GetPeerID(), json.RawMessage(`[`+string(payload)+`]`), nil)
	res, err := p.Services.CallService(req)
	if err != nil {
		t.Fatalf("call sig.sign: %v", err)
	}
	if res.RetCode != core.RetCodeSuccess {
		t.Fatalf("expected sig.sign to succeed, got retCode=%d result=%s", res.RetCode, res.Result)
	}
	var sig []byte
	if err := json.Unmarshal(res.Result, &sig); err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !core.VerifyEd25519(mustPublicKey(t, kp.GetPeerID()), []byte("hello"), sig) {
		t.Fatalf("expected produced signature to verify")
	}
}

func TestSigSignForbiddenForForeignOrigin(t *testing.T) {
	kp := newTestKeyPair(t)
	foreign := newTestKeyPair(t)
	p := newTestPeer(t, kp)

	payload, _ := json.Marshal([]byte("hello"))
	tetraplets := [][]core.Tetraplet{{{PeerPk: string(foreign.GetPeerID())}}}
	req := callDataWithTetraplets("sig", "sign", "p1", kp.GetPeerID(), json.RawMessage(`[`+string(payload)+`]`), tetraplets)
	res, err := p.Services.CallService(req)
	if err != nil {
		t.Fatalf("call sig.sign: %v", err)
	}
	if res.RetCode != core.RetCodeError {
		t.Fatalf("expected sig.sign to be forbidden, got retCode=%d", res.RetCode)
	}
}

func TestSigVerifyRoundTrip(t *testing.T) {
	kp := newTestKeyPair(t)
	p := newTestPeer(t, kp)

	sig := kp.SignBytes([]byte("payload"))
	pubJSON, _ := json.Marshal(mustPublicKeyBytes(kp))
	sigJSON, _ := json.Marshal(sig)
	dataJSON, _ := json.Marshal([]byte("payload"))
	args := json.RawMessage(`[` + string(pubJSON) + `,` + string(sigJSON) + `,` + string(dataJSON) + `]`)

	req := callDataWithTetraplets("sig", "verify", "p1", kp.GetPeerID(), args, nil)
	res, err := p.Services.CallService(req)
	if err != nil {
		t.Fatalf("call sig.verify: %v", err)
	}
	var ok bool
	if err := json.Unmarshal(res.Result, &ok); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestSrvCreateAndRemove(t *testing.T) {
	kp := newTestKeyPair(t)
	p := newTestPeer(t, kp)
	wasm := compileWAT(t, "testdata/echo_avm.wat")

	wasmJSON, _ := json.Marshal(wasm)
	req := callDataWithTetraplets("srv", "create", "p1", kp.GetPeerID(), json.RawMessage(`[`+string(wasmJSON)+`]`), nil)
	res, err := p.Services.CallService(req)
	if err != nil {
		t.Fatalf("call srv.create: %v", err)
	}
	if res.RetCode != core.RetCodeSuccess {
		t.Fatalf("expected srv.create to succeed, got %s", res.Result)
	}
	var serviceID string
	if err := json.Unmarshal(res.Result, &serviceID); err != nil {
		t.Fatalf("decode service id: %v", err)
	}
	if !p.Marine.HasService(serviceID) {
		t.Fatalf("expected Marine to host %q", serviceID)
	}

	idJSON, _ := json.Marshal(serviceID)
	removeReq := callDataWithTetraplets("srv", "remove", "p1", kp.GetPeerID(), json.RawMessage(`[`+string(idJSON)+`]`), nil)
	if _, err := p.Services.CallService(removeReq); err != nil {
		t.Fatalf("call srv.remove: %v", err)
	}
	if p.Marine.HasService(serviceID) {
		t.Fatalf("expected Marine to no longer host %q after removal", serviceID)
	}
}

func TestTracingAddSpanAndSnapshot(t *testing.T) {
	kp := newTestKeyPair(t)
	p := newTestPeer(t, kp)

	req := callDataWithTetraplets("tracing", "add_span", "p1", kp.GetPeerID(), json.RawMessage(`["resolved"]`), nil)
	if _, err := p.Services.CallService(req); err != nil {
		t.Fatalf("call tracing.add_span: %v", err)
	}
	snap := p.TracingSnapshot()
	if len(snap) == 0 {
		t.Fatalf("expected at least one buffered span")
	}
}

func mustPublicKey(t *testing.T, id core.PeerID) []byte {
	t.Helper()
	pub, err := id.PublicKey()
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	return pub
}

func mustPublicKeyBytes(kp *core.KeyPair) []byte {
	pub, _ := kp.GetPeerID().PublicKey()
	return pub
}
