// Package events defines the events a build session reports to its
// requester and the wire messages they map to.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	// BuildLine carries one line of progress, compiler output or the
	// termination detail.
	BuildLine Type = "build.line"
	// BuildResult carries the compiled artifact.
	BuildResult Type = "build.result"
	// BuildError reports a session that could not start: toolchain
	// resolution or instantiation failed.
	BuildError Type = "build.error"
)

// Event is a structured event emitted during a build session.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line,omitempty"`
	Artifact  []byte    `json:"artifact,omitempty"`
}

// Line creates a build.line event.
func Line(sessionID, line string) *Event {
	return &Event{Type: BuildLine, SessionID: sessionID, Timestamp: time.Now(), Line: line}
}

// Result creates a build.result event. The artifact is not copied.
func Result(sessionID string, artifact []byte) *Event {
	return &Event{Type: BuildResult, SessionID: sessionID, Timestamp: time.Now(), Artifact: artifact}
}

// Error creates a build.error event.
func Error(sessionID, msg string) *Event {
	return &Event{Type: BuildError, SessionID: sessionID, Timestamp: time.Now(), Line: msg}
}

// Message is the outbound wire shape. Exactly one field is set.
type Message struct {
	Stderr   *string `json:"stderr,omitempty"`
	Compiled *[]byte `json:"compiled,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// Message returns the wire message for the event.
func (e *Event) Message() Message {
	switch e.Type {
	case BuildResult:
		artifact := e.Artifact
		if artifact == nil {
			artifact = []byte{}
		}
		return Message{Compiled: &artifact}
	case BuildError:
		msg := e.Line
		return Message{Error: &msg}
	default:
		line := e.Line
		return Message{Stderr: &line}
	}
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(event *Event)

// Emit calls f(event).
func (f EmitterFunc) Emit(event *Event) { f(event) }

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory. Safe for concurrent use.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

// Events returns a snapshot of the collected events.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// Lines returns the text of every build.line event, in order.
func (c *CollectorEmitter) Lines() []string {
	var lines []string
	for _, e := range c.Events() {
		if e.Type == BuildLine {
			lines = append(lines, e.Line)
		}
	}
	return lines
}

// Results returns the artifact of every build.result event, in order.
func (c *CollectorEmitter) Results() [][]byte {
	var out [][]byte
	for _, e := range c.Events() {
		if e.Type == BuildResult {
			out = append(out, e.Artifact)
		}
	}
	return out
}
