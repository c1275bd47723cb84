package session

import (
	"github.com/szaher/zigsandbox/internal/sandbox"
	"github.com/szaher/zigsandbox/internal/toolchain"
	"github.com/szaher/zigsandbox/internal/vfs"
)

// Fixed names inside the sandbox.
const (
	CompilerFile = "zig.wasm"
	SourceFile   = "main.zig"
	ArtifactFile = "main.wasm"
	StdDir       = "std"

	WorkRoot    = "."
	LibraryRoot = "/lib"
	CacheRoot   = "/cache"
)

// Args returns the compiler command line. -fno-llvm and -fno-lld work around
// https://github.com/ziglang/zig/issues/16586.
func Args() []string {
	return []string{CompilerFile, "build-exe", SourceFile, "-Dtarget=wasm32-wasi", "-fno-llvm", "-fno-lld"}
}

// Env returns the compiler environment, which is empty.
func Env() []sandbox.EnvVar { return nil }

// Layout is the virtual filesystem of one session: three roots preopened in
// a fixed order.
type Layout struct {
	Work    *vfs.Dir
	Library *vfs.Dir
	Cache   *vfs.Dir
}

// NewLayout assembles the filesystem for compiling source with tc. The
// compiler image is shared with tc until the guest writes to it; the
// standard library is shared and mounted read-only.
func NewLayout(tc *toolchain.Toolchain, source string) *Layout {
	stdlib := tc.Stdlib
	if stdlib == nil {
		stdlib = vfs.NewDir(nil)
	}
	return &Layout{
		Work: vfs.NewDir(map[string]vfs.Node{
			CompilerFile: vfs.NewSharedFile(tc.Image),
			SourceFile:   vfs.NewFile([]byte(source)),
		}),
		Library: vfs.NewDir(map[string]vfs.Node{
			StdDir: stdlib,
		}),
		Cache: vfs.NewDir(nil),
	}
}

// Mounts returns the preopens in guest fd order: work, library, cache.
func (l *Layout) Mounts() []sandbox.Mount {
	return []sandbox.Mount{
		{GuestPath: WorkRoot, FS: vfs.NewFS(l.Work, false)},
		{GuestPath: LibraryRoot, FS: vfs.NewFS(l.Library, true)},
		{GuestPath: CacheRoot, FS: vfs.NewFS(l.Cache, false)},
	}
}

// Artifact returns the compiled program, if the compiler wrote one.
func (l *Layout) Artifact() ([]byte, bool) {
	return l.Work.ReadFile(ArtifactFile)
}
