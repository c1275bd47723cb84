package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tetratelabs/wazero"
	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"

	"github.com/szaher/zigsandbox/internal/events"
	"github.com/szaher/zigsandbox/internal/sandbox"
	"github.com/szaher/zigsandbox/internal/toolchain"
	"github.com/szaher/zigsandbox/internal/vfs"
)

type fakeResolver struct {
	tc  *toolchain.Toolchain
	err error
}

func (r *fakeResolver) Resolve(context.Context) (*toolchain.Toolchain, error) {
	return r.tc, r.err
}

// fakeInstance runs script against the instance config instead of a guest.
type fakeInstance struct {
	cfg    sandbox.Config
	script func(cfg sandbox.Config) sandbox.Termination
	closed bool
}

func (i *fakeInstance) Run(context.Context) sandbox.Termination { return i.script(i.cfg) }

func (i *fakeInstance) Close(context.Context) error {
	i.closed = true
	return nil
}

type fakeInstantiator struct {
	mu     sync.Mutex
	script func(cfg sandbox.Config) sandbox.Termination
	err    error
	last   *fakeInstance
}

func (f *fakeInstantiator) Instantiate(_ context.Context, _ wazero.CompiledModule, cfg sandbox.Config) (sandbox.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	inst := &fakeInstance{cfg: cfg, script: f.script}
	f.mu.Lock()
	f.last = inst
	f.mu.Unlock()
	return inst, nil
}

func testToolchain() *toolchain.Toolchain {
	std := vfs.NewDir(map[string]vfs.Node{"std.zig": vfs.NewFile([]byte("// std"))})
	return &toolchain.Toolchain{Image: []byte("\x00asm"), Stdlib: std}
}

func writeArtifact(t *testing.T, cfg sandbox.Config, data []byte) {
	t.Helper()
	f, errno := cfg.Mounts[0].FS.OpenFile(ArtifactFile, experimentalsys.O_CREAT|experimentalsys.O_WRONLY|experimentalsys.O_TRUNC, 0o644)
	if errno != 0 {
		t.Fatalf("OpenFile(%s) errno = %v", ArtifactFile, errno)
	}
	if _, errno := f.Write(data); errno != 0 {
		t.Fatalf("Write errno = %v", errno)
	}
	_ = f.Close()
}

func TestSubmitSuccess(t *testing.T) {
	inst := &fakeInstantiator{script: func(cfg sandbox.Config) sandbox.Termination {
		writeArtifact(t, cfg, []byte("\x00asm-out"))
		_, _ = io.WriteString(cfg.Stderr, "note: ok\npartial")
		return sandbox.Exited(0)
	}}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst)
	collector := &events.CollectorEmitter{}

	if !orch.Submit(context.Background(), "pub fn main() void {}", collector) {
		t.Fatal("Submit returned false, want true")
	}

	want := []string{ProgressInstantiating, ProgressCompiling, "note: ok", "exit with exit code 0"}
	if diff := cmp.Diff(want, collector.Lines()); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{[]byte("\x00asm-out")}, collector.Results()); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	all := collector.Events()
	if all[len(all)-2].Type != events.BuildResult {
		t.Errorf("second to last event = %s, want %s", all[len(all)-2].Type, events.BuildResult)
	}
	if !inst.last.closed {
		t.Error("instance was not closed")
	}
	if orch.Busy() {
		t.Error("orchestrator still busy after Submit returned")
	}
	for _, e := range all {
		if e.SessionID != all[0].SessionID || !strings.HasPrefix(e.SessionID, "sess_") {
			t.Errorf("event session id = %q, want one shared sess_ id", e.SessionID)
		}
	}
}

func TestSubmitNonzeroExit(t *testing.T) {
	inst := &fakeInstantiator{script: func(cfg sandbox.Config) sandbox.Termination {
		_, _ = io.WriteString(cfg.Stderr, "main.zig:1:1: error: expected type expression\n")
		return sandbox.Exited(1)
	}}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst)
	collector := &events.CollectorEmitter{}
	orch.Submit(context.Background(), "pub fn main() {", collector)

	if got := len(collector.Results()); got != 0 {
		t.Errorf("results = %d, want 0", got)
	}
	lines := collector.Lines()
	if got := lines[len(lines)-1]; got != "exit with exit code 1" {
		t.Errorf("last line = %q, want exit detail", got)
	}
	if !strings.Contains(strings.Join(lines, "\n"), "error: expected type expression") {
		t.Errorf("compiler diagnostic missing from %q", lines)
	}
}

func TestSubmitAbnormalTermination(t *testing.T) {
	inst := &fakeInstantiator{script: func(cfg sandbox.Config) sandbox.Termination {
		writeArtifact(t, cfg, []byte("stale"))
		return sandbox.Aborted("wasm error: unreachable")
	}}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst)
	collector := &events.CollectorEmitter{}
	orch.Submit(context.Background(), "x", collector)

	if got := len(collector.Results()); got != 0 {
		t.Errorf("results = %d, want 0 after abnormal termination", got)
	}
	lines := collector.Lines()
	if got := lines[len(lines)-1]; got != "wasm error: unreachable" {
		t.Errorf("last line = %q, want trap detail", got)
	}
}

func TestSubmitExitZeroWithoutArtifact(t *testing.T) {
	inst := &fakeInstantiator{script: func(sandbox.Config) sandbox.Termination { return sandbox.Exited(0) }}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst)
	collector := &events.CollectorEmitter{}
	orch.Submit(context.Background(), "x", collector)

	if got := len(collector.Results()); got != 0 {
		t.Errorf("results = %d, want 0", got)
	}
	lines := collector.Lines()
	if got := lines[len(lines)-1]; got != "exit with exit code 0" {
		t.Errorf("last line = %q", got)
	}
}

func TestSubmitResolutionFailure(t *testing.T) {
	inst := &fakeInstantiator{script: func(sandbox.Config) sandbox.Termination {
		t.Error("instance should not run")
		return sandbox.Exited(0)
	}}
	orch := NewOrchestrator(&fakeResolver{err: errors.New("fetching compiler image: 503")}, inst)
	collector := &events.CollectorEmitter{}

	if !orch.Submit(context.Background(), "x", collector) {
		t.Fatal("Submit returned false, want true")
	}
	all := collector.Events()
	if len(all) != 1 || all[0].Type != events.BuildError {
		t.Fatalf("events = %v, want a single build.error", all)
	}
	if all[0].Line != "fetching compiler image: 503" {
		t.Errorf("error line = %q", all[0].Line)
	}
	if orch.Busy() {
		t.Error("lock not released after resolution failure")
	}
	if !orch.Submit(context.Background(), "x", &events.CollectorEmitter{}) {
		t.Error("Submit after a failure should run")
	}
}

func TestSubmitInstantiationFailure(t *testing.T) {
	inst := &fakeInstantiator{err: &sandbox.ErrInstantiate{Err: errors.New("missing import")}}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst)
	collector := &events.CollectorEmitter{}
	orch.Submit(context.Background(), "x", collector)

	all := collector.Events()
	if len(all) != 2 {
		t.Fatalf("got %d events, want progress line then error", len(all))
	}
	if all[0].Line != ProgressInstantiating {
		t.Errorf("first event line = %q", all[0].Line)
	}
	if all[1].Type != events.BuildError || !strings.Contains(all[1].Line, "missing import") {
		t.Errorf("second event = %+v, want build.error", all[1])
	}
	if orch.Busy() {
		t.Error("lock not released after instantiation failure")
	}
}

func TestSubmitDropsWhileBusy(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	inst := &fakeInstantiator{script: func(sandbox.Config) sandbox.Termination {
		close(started)
		<-unblock
		return sandbox.Exited(1)
	}}
	recorder := &countingRecorder{}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst, WithMetrics(recorder))

	done := make(chan bool)
	go func() { done <- orch.Submit(context.Background(), "first", &events.CollectorEmitter{}) }()
	<-started

	dropped := &events.CollectorEmitter{}
	if orch.Submit(context.Background(), "second", dropped) {
		t.Error("second Submit returned true while a session was active")
	}
	if got := len(dropped.Events()); got != 0 {
		t.Errorf("dropped request emitted %d events, want 0", got)
	}
	close(unblock)

	select {
	case ok := <-done:
		if !ok {
			t.Error("first Submit returned false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first Submit did not finish")
	}
	if recorder.dropped != 1 {
		t.Errorf("dropped = %d, want 1", recorder.dropped)
	}
	if diff := cmp.Diff([]string{"failed"}, recorder.builds); diff != "" {
		t.Errorf("build outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestReserveHoldsLockUntilRun(t *testing.T) {
	inst := &fakeInstantiator{script: func(cfg sandbox.Config) sandbox.Termination {
		src, _ := cfg.Mounts[0].FS.OpenFile(SourceFile, experimentalsys.O_RDONLY, 0)
		buf := make([]byte, 64)
		n, _ := src.Read(buf)
		_, _ = io.WriteString(cfg.Stderr, "compiled "+string(buf[:n])+"\n")
		return sandbox.Exited(1)
	}}
	recorder := &countingRecorder{}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst, WithMetrics(recorder))

	run, ok := orch.Reserve()
	if !ok {
		t.Fatal("first Reserve failed on an idle orchestrator")
	}
	if !orch.Busy() {
		t.Error("Busy = false after Reserve, want true")
	}
	if _, ok := orch.Reserve(); ok {
		t.Error("second Reserve succeeded while the first was pending")
	}
	if orch.Submit(context.Background(), "second", &events.CollectorEmitter{}) {
		t.Error("Submit succeeded while a reservation was pending")
	}

	collector := &events.CollectorEmitter{}
	run(context.Background(), "first", collector)

	want := []string{ProgressInstantiating, ProgressCompiling, "compiled first", "exit with exit code 1"}
	if diff := cmp.Diff(want, collector.Lines()); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if orch.Busy() {
		t.Error("orchestrator still busy after run returned")
	}
	if recorder.dropped != 2 {
		t.Errorf("dropped = %d, want 2", recorder.dropped)
	}
	if _, ok := orch.Reserve(); !ok {
		t.Error("Reserve failed after the reserved session finished")
	}
}

func TestSubmitSandboxConfig(t *testing.T) {
	var seen sandbox.Config
	inst := &fakeInstantiator{script: func(cfg sandbox.Config) sandbox.Termination {
		seen = cfg
		return sandbox.Exited(0)
	}}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst)
	orch.Submit(context.Background(), "const x = 1;", nil)

	if diff := cmp.Diff(Args(), seen.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if len(seen.Env) != 0 {
		t.Errorf("env = %v, want empty", seen.Env)
	}
	var guests []string
	for _, m := range seen.Mounts {
		guests = append(guests, m.GuestPath)
	}
	if diff := cmp.Diff([]string{".", "/lib", "/cache"}, guests); diff != "" {
		t.Errorf("mount order mismatch (-want +got):\n%s", diff)
	}
	n, err := seen.Stdin.Read(make([]byte, 8))
	if n != 0 || err != io.EOF {
		t.Errorf("stdin Read = %d, %v, want 0, EOF", n, err)
	}
}

func TestSubmitLineOrdering(t *testing.T) {
	inst := &fakeInstantiator{script: func(cfg sandbox.Config) sandbox.Termination {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(cfg.Stdout, "out %d\n", i)
			fmt.Fprintf(cfg.Stderr, "err %d\n", i)
		}
		return sandbox.Exited(2)
	}}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst)
	collector := &events.CollectorEmitter{}
	orch.Submit(context.Background(), "x", collector)

	want := []string{ProgressInstantiating, ProgressCompiling}
	for i := 0; i < 5; i++ {
		want = append(want, fmt.Sprintf("out %d", i), fmt.Sprintf("err %d", i))
	}
	want = append(want, "exit with exit code 2")
	if diff := cmp.Diff(want, collector.Lines()); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

type countingRecorder struct {
	mu      sync.Mutex
	dropped int
	lines   int
	builds  []string
}

func (r *countingRecorder) RecordBuild(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.builds = append(r.builds, outcome)
	r.mu.Unlock()
}

func (r *countingRecorder) RecordDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordLine() {
	r.mu.Lock()
	r.lines++
	r.mu.Unlock()
}

func (r *countingRecorder) SetActive(bool) {}

func TestSubmitTimeoutReachesInstance(t *testing.T) {
	var hadDeadline bool
	inst := &deadlineInstantiator{seen: &hadDeadline}
	orch := NewOrchestrator(&fakeResolver{tc: testToolchain()}, inst, WithTimeout(time.Minute))
	orch.Submit(context.Background(), "x", nil)
	if !hadDeadline {
		t.Error("instance Run context has no deadline")
	}
}

type deadlineInstantiator struct{ seen *bool }

func (d *deadlineInstantiator) Instantiate(context.Context, wazero.CompiledModule, sandbox.Config) (sandbox.Instance, error) {
	return &deadlineInstance{seen: d.seen}, nil
}

type deadlineInstance struct{ seen *bool }

func (i *deadlineInstance) Run(ctx context.Context) sandbox.Termination {
	_, *i.seen = ctx.Deadline()
	return sandbox.Exited(0)
}

func (i *deadlineInstance) Close(context.Context) error { return nil }
