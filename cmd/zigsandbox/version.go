package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			wazeroVersion := "unknown"
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, dep := range info.Deps {
					if dep.Path == "github.com/tetratelabs/wazero" {
						wazeroVersion = dep.Version
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "zigsandbox version %s (wazero %s)\n", version, wazeroVersion)
		},
	}
}
