package cli

// -----------------------------------------------------------------------------
// call.go – invoke an AIR script against the running peer
// -----------------------------------------------------------------------------
// peer call --script ./hello.air --arg name=World --ttl 5000
// -----------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"fluence-peer/core"
)

var (
	callScriptPath string
	callArgs       []string
	callTTL        uint32
	callFireForget bool
)

func callRun(cmd *cobra.Command, _ []string) error {
	peerMu.RLock()
	p := peerNode
	peerMu.RUnlock()
	if p == nil {
		return fmt.Errorf("not running")
	}

	script, err := os.ReadFile(callScriptPath)
	if err != nil {
		return fmt.Errorf("read script %q: %w", callScriptPath, err)
	}

	args := make(map[string]interface{}, len(callArgs))
	for _, kv := range callArgs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("bad --arg %q, expected name=value", kv)
		}
		args[name] = value
	}

	result, err := p.CallAquaFunction(core.CallAquaFunctionOptions{
		Script:        string(script),
		TTL:           callTTL,
		Args:          args,
		FireAndForget: callFireForget,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(result))
	return nil
}

var callCmd = &cobra.Command{Use: "call", Short: "Invoke an AIR script", Args: cobra.NoArgs, RunE: callRun}

func init() {
	callCmd.Flags().StringVar(&callScriptPath, "script", "", "path to an AIR script")
	callCmd.Flags().StringArrayVar(&callArgs, "arg", nil, "name=value argument, repeatable")
	callCmd.Flags().Uint32Var(&callTTL, "ttl", 0, "particle TTL override in milliseconds")
	callCmd.Flags().BoolVar(&callFireForget, "fire-and-forget", false, "don't wait for callbackSrv.response")
	_ = callCmd.MarkFlagRequired("script")
}

// CallCmd exposes the `peer call` command.
var CallCmd = callCmd

// RegisterCall adds the `peer call` command to the root CLI.
func RegisterCall(root *cobra.Command) {
	for _, c := range root.Commands() {
		if c.Name() == "peer" {
			c.AddCommand(CallCmd)
			return
		}
	}
	root.AddCommand(CallCmd)
}
