package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fluence-peer/cmd/cli"
	"fluence-peer/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "A Fluence-style particle execution client peer",
}

func init() {
	cobra.OnInitialize(func() {
		_ = godotenv.Load()
		if _, err := config.LoadFromEnv(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	})

	cli.RegisterPeer(rootCmd)
	cli.RegisterKeys(rootCmd)
	cli.RegisterCall(rootCmd)
	cli.RegisterTrace(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
