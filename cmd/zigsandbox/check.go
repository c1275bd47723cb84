package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/zigsandbox/internal/telemetry"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and resolve the toolchain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := telemetry.WithCorrelationID(context.Background(), correlationID)

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			start := time.Now()
			tc, err := a.resolver.Resolve(ctx)
			if err != nil {
				return fmt.Errorf("toolchain check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "compiler  %s (%d bytes)\n", cfg.Toolchain.Compiler, len(tc.Image))
			fmt.Fprintf(out, "stdlib    %s (%d top-level entries)\n", cfg.Toolchain.Stdlib, tc.Stdlib.Len())
			fmt.Fprintf(out, "resolved  in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
