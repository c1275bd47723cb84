package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/szaher/zigsandbox/internal/events"
	"github.com/szaher/zigsandbox/internal/telemetry"
)

// handleWorker serves one websocket peer. The read loop reserves the run
// lock for each {"run": source} message in arrival order, then runs the
// session on its own goroutine so the loop keeps draining the connection.
// Requests that arrive while a session is active are dropped without a
// reply.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(MaxSourceBytes)

	ctx, cancel := context.WithCancel(telemetry.WithCorrelationID(context.Background(), r.Header.Get("X-Request-ID")))
	logger := s.logger.With("correlation_id", telemetry.CorrelationID(ctx), "remote", r.RemoteAddr)
	peer := &workerPeer{conn: conn, logger: logger}

	var wg sync.WaitGroup
	defer func() {
		// A session outlives neither its peer nor the server.
		cancel()
		wg.Wait()
		_ = conn.Close()
	}()

	logger.Info("worker connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("worker disconnected")
			} else {
				logger.Warn("worker read failed", "error", err)
			}
			return
		}
		var req runRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Run == "" {
			logger.Debug("ignoring worker message", "bytes", len(data))
			continue
		}

		run, ok := s.submitter.Reserve()
		if !ok {
			logger.Debug("run request dropped, session active")
			continue
		}
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			run(ctx, source, peer)
		}(req.Run)
	}
}

// workerPeer writes session events to one websocket connection. gorilla
// connections allow a single concurrent writer.
type workerPeer struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *slog.Logger
	broken bool
}

func (p *workerPeer) Emit(e *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken {
		return
	}
	if err := p.conn.WriteJSON(e.Message()); err != nil {
		p.broken = true
		p.logger.Warn("worker write failed", "error", err, "event", e.Type)
	}
}
