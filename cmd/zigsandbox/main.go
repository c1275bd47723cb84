// Package main is the entry point for the zigsandbox CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile    string
	logLevel      string
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zigsandbox",
		Short: "Compile untrusted Zig programs inside a WebAssembly sandbox",
		Long: `zigsandbox runs the Zig compiler, itself compiled to WebAssembly, inside a
WASI sandbox with an in-memory filesystem. It streams compiler diagnostics
back to the caller and returns the compiled wasm32-wasi program on success.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newBuildCmd())
	root.AddCommand(newCheckCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
