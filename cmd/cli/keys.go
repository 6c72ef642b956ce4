package cli

// -----------------------------------------------------------------------------
// keys.go – identity key management CLI
// -----------------------------------------------------------------------------
// Commands after RegisterKeys(root):
//   peer keys generate <path>        – create a fresh Ed25519 identity and save it
//   peer keys show <path>            – print the peer id and public key for a file
//   peer keys export <path> <out>    – write a key file's identity as YAML
// -----------------------------------------------------------------------------

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fluence-peer/core"
)

// keyExport is the YAML shape written by `peer keys export`, alongside the
// raw seed file; it is a human-readable companion, not a credential.
type keyExport struct {
	PeerID       string `yaml:"peer_id"`
	PublicKeyHex string `yaml:"public_key_hex"`
}

// loadOrCreateKeyPair reads a raw 32-byte Ed25519 seed from path, creating one
// with keysGenerate's logic if the file does not yet exist. An empty path
// generates an ephemeral identity that is not persisted.
func loadOrCreateKeyPair(path string) (*core.KeyPair, error) {
	if path == "" {
		return core.NewKeyPair()
	}
	seed, err := os.ReadFile(path)
	if err == nil {
		return core.NewKeyPairFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file %q: %w", path, err)
	}
	kp, genErr := core.NewKeyPair()
	if genErr != nil {
		return nil, genErr
	}
	if err := writeKeyFile(path, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func writeKeyFile(path string, kp *core.KeyPair) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create key directory %q: %w", dir, err)
		}
	}
	return os.WriteFile(path, kp.ToEd25519PrivateKey(), 0600)
}

func keysGenerate(cmd *cobra.Command, args []string) error {
	path := args[0]
	kp, err := core.NewKeyPair()
	if err != nil {
		return err
	}
	if err := writeKeyFile(path, kp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "generated %s\npeer id: %s\n", path, kp.GetPeerID())
	return nil
}

func keysShow(cmd *cobra.Command, args []string) error {
	seed, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("key file %q: expected a %d-byte seed, got %d", args[0], ed25519.SeedSize, len(seed))
	}
	kp, err := core.NewKeyPairFromSeed(seed)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "peer id:    %s\n", kp.GetPeerID())
	fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\n", kp.PublicKeyHex())
	return nil
}

func keysExport(cmd *cobra.Command, args []string) error {
	seed, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("key file %q: expected a %d-byte seed, got %d", args[0], ed25519.SeedSize, len(seed))
	}
	kp, err := core.NewKeyPairFromSeed(seed)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(keyExport{PeerID: string(kp.GetPeerID()), PublicKeyHex: kp.PublicKeyHex()})
	if err != nil {
		return fmt.Errorf("marshal key export: %w", err)
	}
	return os.WriteFile(args[1], out, 0600)
}

var keysRootCmd = &cobra.Command{Use: "keys", Short: "Identity key management"}

var keysGenerateCmd = &cobra.Command{Use: "generate <path>", Short: "Generate a new identity", Args: cobra.ExactArgs(1), RunE: keysGenerate}
var keysShowCmd = &cobra.Command{Use: "show <path>", Short: "Show the peer id for a key file", Args: cobra.ExactArgs(1), RunE: keysShow}
var keysExportCmd = &cobra.Command{Use: "export <path> <out>", Short: "Export a key file's identity as YAML", Args: cobra.ExactArgs(2), RunE: keysExport}

func init() { keysRootCmd.AddCommand(keysGenerateCmd, keysShowCmd, keysExportCmd) }

// KeysCmd exposes identity key management commands.
var KeysCmd = keysRootCmd

// RegisterKeys adds the `peer keys` commands to the root CLI.
func RegisterKeys(root *cobra.Command) {
	for _, c := range root.Commands() {
		if c.Use == "peer" || c.Name() == "peer" {
			c.AddCommand(KeysCmd)
			return
		}
	}
	root.AddCommand(KeysCmd)
}
