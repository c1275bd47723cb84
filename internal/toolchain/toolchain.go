// Package toolchain resolves the artifacts a build session needs: the
// sandboxed compiler image and the standard library tree.
//
// Resolution is memoized. Every session awaits the same in-flight
// resolution, the result is shared read-only, and a failed resolution is
// not cached so the next session retries.
package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/szaher/zigsandbox/internal/vfs"
)

// Toolchain is a resolved, ready to instantiate compiler.
type Toolchain struct {
	Image      []byte                // compiler image, placed into the sandbox as zig.wasm
	Module     wazero.CompiledModule // Image compiled for the sandbox runtime
	Stdlib     *vfs.Dir              // standard library tree, mounted read-only
	ResolvedAt time.Time
}

// CompileFunc turns a compiler image into a module the sandbox can run.
type CompileFunc func(ctx context.Context, image []byte) (wazero.CompiledModule, error)

// ErrChecksum indicates a downloaded artifact does not match its pinned digest.
type ErrChecksum struct {
	Source   string
	Expected string
	Actual   string
}

func (e *ErrChecksum) Error() string {
	return fmt.Sprintf("%s: checksum mismatch (expected %s, got %s)", e.Source, e.Expected, e.Actual)
}

// Resolver memoizes toolchain resolution.
type Resolver struct {
	compiler     Source
	stdlib       Source
	compile      CompileFunc
	stdlibPrefix string
	compilerSum  string
	stdlibSum    string
	logger       *slog.Logger
	observe      func(result string, elapsed time.Duration)

	group      singleflight.Group
	mu         sync.Mutex
	current    *Toolchain
	generation uint64
	retired    []*Toolchain
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithStdlibPrefix selects the standard library subtree inside the archive.
func WithStdlibPrefix(prefix string) ResolverOption {
	return func(r *Resolver) { r.stdlibPrefix = prefix }
}

// WithChecksums pins hex SHA-256 digests. Empty values are not checked.
func WithChecksums(compiler, stdlib string) ResolverOption {
	return func(r *Resolver) {
		r.compilerSum = strings.ToLower(compiler)
		r.stdlibSum = strings.ToLower(stdlib)
	}
}

// WithObserver registers a callback invoked after every resolution attempt
// with "ok" or "error".
func WithObserver(fn func(result string, elapsed time.Duration)) ResolverOption {
	return func(r *Resolver) { r.observe = fn }
}

// NewResolver creates a resolver for the given artifact sources.
func NewResolver(compiler, stdlib Source, compile CompileFunc, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		compiler: compiler,
		stdlib:   stdlib,
		compile:  compile,
		logger:   slog.Default(),
		observe:  func(string, time.Duration) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the memoized toolchain, resolving it on first use.
// Concurrent callers share one resolution.
func (r *Resolver) Resolve(ctx context.Context) (*Toolchain, error) {
	r.mu.Lock()
	tc := r.current
	r.mu.Unlock()
	if tc != nil {
		return tc, nil
	}

	result, err, _ := r.group.Do("toolchain", func() (interface{}, error) {
		r.mu.Lock()
		tc, gen := r.current, r.generation
		retired := r.retired
		r.retired = nil
		r.mu.Unlock()
		if tc != nil {
			return tc, nil
		}
		r.closeRetired(ctx, retired)

		start := time.Now()
		tc, err := r.load(ctx)
		if err != nil {
			r.observe("error", time.Since(start))
			return nil, err
		}
		r.observe("ok", time.Since(start))

		r.mu.Lock()
		if r.generation == gen {
			r.current = tc
		} else {
			// Invalidated while loading: hand out this result once but do
			// not memoize it.
			r.retired = append(r.retired, tc)
		}
		r.mu.Unlock()
		return tc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Toolchain), nil
}

// Invalidate drops the memoized toolchain. The next Resolve fetches again.
// The dropped module is closed by that next resolution, which callers only
// start once no session still uses it.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.retired = append(r.retired, r.current)
		r.current = nil
	}
	r.generation++
}

// Close releases the memoized and retired modules.
func (r *Resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	all := append(r.retired, r.current)
	r.current, r.retired = nil, nil
	r.mu.Unlock()
	r.closeRetired(ctx, all)
	return nil
}

func (r *Resolver) closeRetired(ctx context.Context, retired []*Toolchain) {
	for _, tc := range retired {
		if tc == nil || tc.Module == nil {
			continue
		}
		if err := tc.Module.Close(ctx); err != nil {
			r.logger.Warn("closing retired compiler module", "error", err)
		}
	}
}

func (r *Resolver) load(ctx context.Context) (*Toolchain, error) {
	r.logger.Info("resolving toolchain", "compiler", r.compiler.String(), "stdlib", r.stdlib.String())

	var (
		image  []byte
		stdlib *vfs.Dir
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		image, err = r.fetchImage(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		stdlib, err = r.fetchStdlib(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	module, err := r.compile(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("compiling compiler image %s: %w", r.compiler, err)
	}

	r.logger.Info("toolchain resolved", "image_bytes", len(image), "stdlib_entries", stdlib.Len())
	return &Toolchain{
		Image:      image,
		Module:     module,
		Stdlib:     stdlib,
		ResolvedAt: time.Now(),
	}, nil
}

func (r *Resolver) fetchImage(ctx context.Context) ([]byte, error) {
	rc, err := r.compiler.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching compiler image: %w", err)
	}
	defer rc.Close()

	hasher := sha256.New()
	image, err := io.ReadAll(io.TeeReader(rc, hasher))
	if err != nil {
		return nil, fmt.Errorf("reading compiler image %s: %w", r.compiler, err)
	}
	if err := verify(r.compiler, r.compilerSum, hasher.Sum(nil)); err != nil {
		return nil, err
	}
	return image, nil
}

func (r *Resolver) fetchStdlib(ctx context.Context) (*vfs.Dir, error) {
	rc, err := r.stdlib.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching standard library: %w", err)
	}
	defer rc.Close()

	hasher := sha256.New()
	tee := io.TeeReader(rc, hasher)
	dir, err := vfs.LoadArchive(tee, vfs.ArchiveOptions{Prefix: r.stdlibPrefix})
	if err != nil {
		return nil, fmt.Errorf("loading standard library %s: %w", r.stdlib, err)
	}
	// Drain tar padding so the digest covers the whole stream.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, fmt.Errorf("reading standard library %s: %w", r.stdlib, err)
	}
	if err := verify(r.stdlib, r.stdlibSum, hasher.Sum(nil)); err != nil {
		return nil, err
	}
	return dir, nil
}

func verify(src Source, expected string, sum []byte) error {
	if expected == "" {
		return nil
	}
	actual := hex.EncodeToString(sum)
	if !strings.EqualFold(actual, expected) {
		return &ErrChecksum{Source: src.String(), Expected: expected, Actual: actual}
	}
	return nil
}
