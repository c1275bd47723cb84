package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/szaher/zigsandbox/internal/events"
	"github.com/szaher/zigsandbox/internal/telemetry"
)

// fakeSubmitter replays a scripted session for every source except "busy",
// which it drops.
type fakeSubmitter struct {
	mu      sync.Mutex
	sources []string
}

func (f *fakeSubmitter) Submit(_ context.Context, source string, emit events.Emitter) bool {
	if source == "busy" {
		return false
	}
	f.mu.Lock()
	f.sources = append(f.sources, source)
	f.mu.Unlock()

	emit.Emit(events.Line("sess_1", "Creating WebAssembly instance..."))
	emit.Emit(events.Line("sess_1", "Compiling..."))
	if source == "broken" {
		emit.Emit(events.Line("sess_1", "exit with exit code 1"))
		return true
	}
	emit.Emit(events.Result("sess_1", []byte("\x00asm")))
	emit.Emit(events.Line("sess_1", "exit with exit code 0"))
	return true
}

func (f *fakeSubmitter) Reserve() (func(context.Context, string, events.Emitter), bool) {
	return func(ctx context.Context, source string, emit events.Emitter) {
		f.Submit(ctx, source, emit)
	}, true
}

func (f *fakeSubmitter) Busy() bool { return false }

func newTestServer(t *testing.T, opts ...ServerOption) (*httptest.Server, *fakeSubmitter) {
	t.Helper()
	sub := &fakeSubmitter{}
	srv := httptest.NewServer(NewServer(sub, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, sub
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"), WithVersion("1.2.3"))
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz returned unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "1.2.3" || body["busy"] != false {
		t.Errorf("healthz body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := telemetry.NewMetrics()
	m.RecordDropped()
	srv, _ := newTestServer(t, WithMetrics(m), WithAPIKey("secret"))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics returned unexpected error: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "zigsandbox_dropped_requests_total 1") {
		t.Errorf("metrics output missing dropped counter:\n%s", data)
	}
}

type sseFrame struct {
	name string
	data string
}

func readSSE(t *testing.T, r io.Reader) []sseFrame {
	t.Helper()
	var out []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			out = append(out, cur)
			cur = sseFrame{}
		}
	}
	return out
}

func postBuild(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/build", strings.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/build returned unexpected error: %v", err)
	}
	return resp
}

func TestBuildStreamsEvents(t *testing.T) {
	srv, sub := newTestServer(t, WithAPIKey("secret"))
	resp := postBuild(t, srv, `{"run":"pub fn main() void {}"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	got := readSSE(t, resp.Body)
	want := []sseFrame{
		{"stderr", `{"stderr":"Creating WebAssembly instance..."}`},
		{"stderr", `{"stderr":"Compiling..."}`},
		{"compiled", `{"compiled":"AGFzbQ=="}`},
		{"stderr", `{"stderr":"exit with exit code 0"}`},
		{"done", `{}`},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(sseFrame{})); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"pub fn main() void {}"}, sub.sources); diff != "" {
		t.Errorf("submitted sources mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDroppedWhileBusy(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"))
	resp := postBuild(t, srv, `{"run":"busy"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestBuildRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"))
	for _, body := range []string{`not json`, `{"run":""}`, `{"other":"x"}`} {
		resp := postBuild(t, srv, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q status = %d, want 400", body, resp.StatusCode)
		}
	}

	resp, err := http.Post(srv.URL+"/v1/build", "application/json", strings.NewReader(`{"run":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}

func dialWorker(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/worker"
	header := http.Header{"X-Api-Key": []string{"secret"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial returned unexpected error: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessages(t *testing.T, conn *websocket.Conn, n int) []map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out []map[string]interface{}
	for len(out) < n {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON returned unexpected error after %d messages: %v", len(out), err)
		}
		out = append(out, msg)
	}
	return out
}

func TestWorkerProtocol(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"))
	conn := dialWorker(t, srv)

	if err := conn.WriteJSON(map[string]string{"run": "pub fn main() void {}"}); err != nil {
		t.Fatal(err)
	}
	got := readMessages(t, conn, 4)
	want := []map[string]interface{}{
		{"stderr": "Creating WebAssembly instance..."},
		{"stderr": "Compiling..."},
		{"compiled": "AGFzbQ=="},
		{"stderr": "exit with exit code 0"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkerIgnoresOtherMessagesAndDrops(t *testing.T) {
	srv, sub := newTestServer(t, WithAPIKey("secret"))
	conn := dialWorker(t, srv)

	for _, msg := range []string{`{"hello":"world"}`, `not json`, `{"run":""}`, `{"run":"busy"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.WriteJSON(map[string]string{"run": "broken"}); err != nil {
		t.Fatal(err)
	}

	got := readMessages(t, conn, 3)
	if got[2]["stderr"] != "exit with exit code 1" {
		t.Errorf("last message = %v, want exit detail", got[2])
	}
	for _, msg := range got {
		if _, ok := msg["compiled"]; ok {
			t.Errorf("unexpected compiled message %v", msg)
		}
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if diff := cmp.Diff([]string{"broken"}, sub.sources); diff != "" {
		t.Errorf("submitted sources mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkerRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("secret"))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/worker"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial without a key should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}
