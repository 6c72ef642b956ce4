package core_test

import (
	"encoding/json"
	"testing"

	core "fluence-peer/core"
)

func TestMarineHostCreateAndCallService(t *testing.T) {
	wasm := compileWAT(t, "testdata/echo_avm.wat")

	m := core.NewMarineHost(nil)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.CreateService(wasm, core.AVMServiceID); err != nil {
		t.Fatalf("create service: %v", err)
	}
	if !m.HasService(core.AVMServiceID) {
		t.Fatalf("expected service to be registered")
	}

	out, err := m.CallService(core.AVMServiceID, core.AVMInvokeFn, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("call service: %v", err)
	}
	var result core.InterpreterResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.RetCode != core.RetCodeSuccess {
		t.Fatalf("expected success retCode, got %d", result.RetCode)
	}

	m.RemoveService(core.AVMServiceID)
	if m.HasService(core.AVMServiceID) {
		t.Fatalf("expected service to be removed")
	}
}

func TestMarineHostValidateScript(t *testing.T) {
	wasm := compileWAT(t, "testdata/echo_avm.wat")

	m := core.NewMarineHost(nil)
	_ = m.Start()
	defer m.Stop()
	if err := m.CreateService(wasm, core.AVMServiceID); err != nil {
		t.Fatalf("create service: %v", err)
	}

	out, err := m.ValidateScript("(null)")
	if err != nil {
		t.Fatalf("validate script: %v", err)
	}
	var s string
	if err := json.Unmarshal(out, &s); err != nil || s != "ok" {
		t.Fatalf("unexpected ast result: %s", out)
	}
}

func TestMarineHostUnknownService(t *testing.T) {
	m := core.NewMarineHost(nil)
	_ = m.Start()
	defer m.Stop()

	if _, err := m.CallService("missing", "fn", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error calling an unregistered service")
	}
}
