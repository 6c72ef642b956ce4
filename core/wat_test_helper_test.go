package core_test

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// jsonUnmarshalString decodes a JSON-encoded string value, the shape
// callbackSrv.response delivers its result as in these fixtures.
func jsonUnmarshalString(data []byte, out *string) error {
	return json.Unmarshal(data, out)
}

// compileWAT shells out to wat2wasm the same way the teacher's
// core.CompileWASM helper does, skipping the test if the tool isn't
// installed rather than failing the suite.
func compileWAT(t *testing.T, watPath string) []byte {
	t.Helper()
	out := filepath.Join(t.TempDir(), filepath.Base(watPath)+".wasm")
	cmd := exec.Command("wat2wasm", "-o", out, watPath)
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			t.Skip("wat2wasm not installed")
		}
		t.Fatalf("compile %s: %v", watPath, err)
	}
	wasm, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read compiled wasm: %v", err)
	}
	return wasm
}
