package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "note",
	Short:         "note - notebook kernel gateway",
	Long:          `note runs language kernels as supervised processes and exposes them over a Jupyter-style REST and WebSocket API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	apiAddr  string
	apiToken string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8888", "API server address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("NOTE_TOKEN"), "API token (defaults to $NOTE_TOKEN)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runtimeCmd)
	rootCmd.AddCommand(kernelCmd)
	rootCmd.AddCommand(kernelspecCmd)
	rootCmd.AddCommand(notebookCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
