package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/zigsandbox/internal/config"
	"github.com/szaher/zigsandbox/internal/sandbox"
	"github.com/szaher/zigsandbox/internal/secrets"
	"github.com/szaher/zigsandbox/internal/session"
	"github.com/szaher/zigsandbox/internal/telemetry"
	"github.com/szaher/zigsandbox/internal/toolchain"
)

// app is the wired service shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	runtime  *sandbox.Runtime
	resolver *toolchain.Resolver
	orch     *session.Orchestrator
	refresh  *cron.Cron
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newApp wires the runtime, toolchain resolver and orchestrator. The
// toolchain is not fetched until first use.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger(os.Stderr, level, secrets.Wrap(cfg.Secrets()...))
	metrics := telemetry.NewMetrics()

	opts := cfg.SourceOptions()
	compilerSrc, err := toolchain.ParseSource(cfg.Toolchain.Compiler, opts)
	if err != nil {
		return nil, err
	}
	stdlibSrc, err := toolchain.ParseSource(cfg.Toolchain.Stdlib, opts)
	if err != nil {
		return nil, err
	}

	rt, err := sandbox.NewRuntime(ctx, sandbox.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating sandbox runtime: %w", err)
	}

	resolver := toolchain.NewResolver(compilerSrc, stdlibSrc, rt.Compile,
		toolchain.WithLogger(logger),
		toolchain.WithStdlibPrefix(cfg.Toolchain.StdlibPrefix),
		toolchain.WithChecksums(cfg.Toolchain.CompilerSHA256, cfg.Toolchain.StdlibSHA256),
		toolchain.WithObserver(metrics.RecordResolution),
	)

	orch := session.NewOrchestrator(resolver, rt,
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithTracer(telemetry.NewTracer(telemetry.LogSink(logger), metrics.StageSink())),
		session.WithTimeout(time.Duration(cfg.BuildTimeout)),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		runtime:  rt,
		resolver: resolver,
		orch:     orch,
	}, nil
}

// startRefresh enables the configured cron refresh and file watching.
func (a *app) startRefresh(ctx context.Context) error {
	if spec := a.cfg.Toolchain.Refresh; spec != "" {
		c, err := a.resolver.Schedule(spec)
		if err != nil {
			return err
		}
		a.refresh = c
	}
	if a.cfg.Toolchain.Watch {
		if err := a.resolver.Watch(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close(ctx context.Context) {
	if a.refresh != nil {
		<-a.refresh.Stop().Done()
	}
	if err := a.resolver.Close(ctx); err != nil {
		a.logger.Warn("closing toolchain", "error", err)
	}
	if err := a.runtime.Close(ctx); err != nil {
		a.logger.Warn("closing sandbox runtime", "error", err)
	}
}
