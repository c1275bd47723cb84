package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/zigsandbox/internal/events"
	"github.com/szaher/zigsandbox/internal/telemetry"
)

func newBuildCmd() *cobra.Command {
	var (
		output    string
		eventsLog string
	)

	cmd := &cobra.Command{
		Use:   "build FILE.zig",
		Short: "Compile one Zig source file in the sandbox",
		Long:  "One-shot build: resolve the toolchain, compile FILE in a fresh sandbox, print diagnostics and write the wasm32-wasi artifact.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading source: %w", err)
			}
			if len(source) == 0 {
				return errors.New("source file is empty")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx = telemetry.WithCorrelationID(ctx, correlationID)

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			collector := &events.CollectorEmitter{}
			stderr := cmd.ErrOrStderr()
			emit := events.EmitterFunc(func(e *events.Event) {
				collector.Emit(e)
				switch e.Type {
				case events.BuildLine:
					fmt.Fprintln(stderr, e.Line)
				case events.BuildError:
					fmt.Fprintf(stderr, "error: %s\n", e.Line)
				}
			})
			a.orch.Submit(ctx, string(source), emit)

			if eventsLog != "" {
				if err := events.ExportLog(collector.Events(), eventsLog); err != nil {
					return err
				}
			}

			results := collector.Results()
			if len(results) == 0 {
				return errors.New("build failed")
			}
			if err := os.WriteFile(output, results[0], 0o644); err != nil {
				return fmt.Errorf("writing artifact: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(results[0]))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "main.wasm", "Path for the compiled program")
	cmd.Flags().StringVar(&eventsLog, "events", "", "Write session events to this file as JSON lines")

	return cmd
}
