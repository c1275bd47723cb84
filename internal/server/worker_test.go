package server

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tetratelabs/wazero"
	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"

	"github.com/szaher/zigsandbox/internal/sandbox"
	"github.com/szaher/zigsandbox/internal/session"
	"github.com/szaher/zigsandbox/internal/toolchain"
)

type staticResolver struct{ tc *toolchain.Toolchain }

func (r staticResolver) Resolve(context.Context) (*toolchain.Toolchain, error) { return r.tc, nil }

// echoCompiler reports the source it was given on stderr, then keeps the
// session busy for a while before exiting with code 1.
type echoCompiler struct{ hold time.Duration }

func (c echoCompiler) Instantiate(_ context.Context, _ wazero.CompiledModule, cfg sandbox.Config) (sandbox.Instance, error) {
	return &echoInstance{cfg: cfg, hold: c.hold}, nil
}

type echoInstance struct {
	cfg  sandbox.Config
	hold time.Duration
}

func (i *echoInstance) Run(context.Context) sandbox.Termination {
	f, errno := i.cfg.Mounts[0].FS.OpenFile(session.SourceFile, experimentalsys.O_RDONLY, 0)
	if errno != 0 {
		return sandbox.Aborted("opening source: " + errno.Error())
	}
	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	_ = f.Close()
	_, _ = io.WriteString(i.cfg.Stderr, "compiled "+string(buf[:n])+"\n")
	time.Sleep(i.hold)
	return sandbox.Exited(1)
}

func (i *echoInstance) Close(context.Context) error { return nil }

func TestWorkerFirstOfBackToBackRequestsWins(t *testing.T) {
	orch := session.NewOrchestrator(
		staticResolver{tc: &toolchain.Toolchain{Image: []byte("\x00asm")}},
		echoCompiler{hold: 30 * time.Millisecond},
	)
	srv := httptest.NewServer(NewServer(orch).Handler())
	defer srv.Close()

	for trial := 0; trial < 20; trial++ {
		conn := dialWorker(t, srv)
		for _, source := range []string{"first", "second"} {
			if err := conn.WriteJSON(map[string]string{"run": source}); err != nil {
				t.Fatal(err)
			}
		}

		got := readMessages(t, conn, 4)
		if got[2]["stderr"] != "compiled first" {
			t.Fatalf("trial %d: compiler output = %v, want the first request's source", trial, got[2])
		}
		if got[3]["stderr"] != "exit with exit code 1" {
			t.Errorf("trial %d: last message = %v, want exit detail", trial, got[3])
		}

		// The dropped request must produce no traffic at all.
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		var extra map[string]interface{}
		if err := conn.ReadJSON(&extra); err == nil {
			t.Fatalf("trial %d: unexpected message after the session ended: %v", trial, extra)
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()

		deadline := time.Now().Add(5 * time.Second)
		for orch.Busy() {
			if time.Now().After(deadline) {
				t.Fatalf("trial %d: orchestrator still busy", trial)
			}
			time.Sleep(time.Millisecond)
		}
	}
}
