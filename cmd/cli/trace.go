package cli

// -----------------------------------------------------------------------------
// trace.go – inspect the running peer's in-memory tracing buffer
// -----------------------------------------------------------------------------
// peer trace dump – print the most recently buffered span events as JSON
// -----------------------------------------------------------------------------

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func traceDump(cmd *cobra.Command, _ []string) error {
	peerMu.RLock()
	p := peerNode
	peerMu.RUnlock()
	if p == nil {
		return fmt.Errorf("not running")
	}
	out, err := json.MarshalIndent(p.TracingSnapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace snapshot: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

var traceRootCmd = &cobra.Command{Use: "trace", Short: "Tracing span inspection"}
var traceDumpCmd = &cobra.Command{Use: "dump", Short: "Dump the buffered span events", Args: cobra.NoArgs, RunE: traceDump}

func init() { traceRootCmd.AddCommand(traceDumpCmd) }

// TraceCmd exposes the `peer trace` commands.
var TraceCmd = traceRootCmd

// RegisterTrace adds the `peer trace` commands to the root CLI.
func RegisterTrace(root *cobra.Command) {
	for _, c := range root.Commands() {
		if c.Name() == "peer" {
			c.AddCommand(TraceCmd)
			return
		}
	}
	root.AddCommand(TraceCmd)
}
