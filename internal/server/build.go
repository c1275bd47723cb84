package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/szaher/zigsandbox/internal/events"
)

// sseEvent names the server-sent event for each event type.
func sseEvent(t events.Type) string {
	switch t {
	case events.BuildResult:
		return "compiled"
	case events.BuildError:
		return "error"
	default:
		return "stderr"
	}
}

// handleBuild runs one session and streams it as server-sent events, ending
// with a "done" event. A request that arrives while a session is active
// gets 204 No Content.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	body := http.MaxBytesReader(w, r.Body, MaxSourceBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Source too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Run == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "run must be a non-empty source string")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}

	// Headers go out with the first event so a dropped request can still
	// answer 204.
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	emit := events.EmitterFunc(func(e *events.Event) {
		start()
		data, _ := json.Marshal(e.Message())
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEvent(e.Type), string(data))
		flusher.Flush()
	})

	if !s.submitter.Submit(r.Context(), req.Run, emit) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	start()
	_, _ = fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}
