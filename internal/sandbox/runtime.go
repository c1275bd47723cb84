package sandbox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// EntryPoint is the WASI command entry point.
const EntryPoint = "_start"

// Runtime compiles and instantiates guest modules. Compiled modules are
// read-only and may be instantiated any number of times.
type Runtime struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	logger  *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger }
}

// NewRuntime creates a wazero runtime with WASI preview1 host functions.
func NewRuntime(ctx context.Context, opts ...RuntimeOption) (*Runtime, error) {
	cache := wazero.NewCompilationCache()
	// Guests stop when the context passed to Run is done.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCompilationCache(cache).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI host module: %w", err)
	}

	r := &Runtime{
		runtime: rt,
		cache:   cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Compile validates and compiles a guest image.
func (r *Runtime) Compile(ctx context.Context, image []byte) (wazero.CompiledModule, error) {
	compiled, err := r.runtime.CompileModule(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("compiling module: %w", err)
	}
	return compiled, nil
}

// Instantiate binds module to cfg. The entry point is not called until
// Instance.Run.
func (r *Runtime) Instantiate(ctx context.Context, module wazero.CompiledModule, cfg Config) (Instance, error) {
	fsConfig := wazero.NewFSConfig()
	for _, m := range cfg.Mounts {
		fsConfig = fsConfig.(sysfs.FSConfig).WithSysFSMount(m.FS, m.GuestPath)
	}

	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(cfg.Args...).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithStartFunctions()
	for _, kv := range cfg.Env {
		modConfig = modConfig.WithEnv(kv.Key, kv.Value)
	}
	if cfg.Stdin != nil {
		modConfig = modConfig.WithStdin(cfg.Stdin)
	}
	if cfg.Stdout != nil {
		modConfig = modConfig.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		modConfig = modConfig.WithStderr(cfg.Stderr)
	}

	mod, err := r.runtime.InstantiateModule(ctx, module, modConfig)
	if err != nil {
		return nil, &ErrInstantiate{Err: err}
	}
	r.logger.Debug("sandbox instance created", "args", cfg.Args, "mounts", len(cfg.Mounts))
	return &instance{mod: mod}, nil
}

// Close releases every compiled module and instance.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

type instance struct {
	mod api.Module
}

func (i *instance) Run(ctx context.Context) Termination {
	start := i.mod.ExportedFunction(EntryPoint)
	if start == nil {
		return Aborted(fmt.Sprintf("module does not export %q", EntryPoint))
	}
	_, err := start.Call(ctx)
	return classify(err)
}

func (i *instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// classify maps the error returned by the entry point to a Termination.
func classify(err error) Termination {
	if err == nil {
		return Exited(0)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeContextCanceled:
			return Aborted("build canceled")
		case sys.ExitCodeDeadlineExceeded:
			return Aborted("build timed out")
		}
		return Exited(int(exitErr.ExitCode()))
	}
	return Aborted(err.Error())
}
