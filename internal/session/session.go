// Package session runs build sessions: one untrusted source file compiled by
// the sandboxed compiler, with its output streamed back as events.
package session

import (
	"fmt"
	"time"
)

// OutcomeKind is the state of a session's result.
type OutcomeKind int

const (
	Pending OutcomeKind = iota
	Succeeded
	Failed
)

// String returns the human-readable name of a kind.
func (k OutcomeKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is how a session ended. Artifact is set only when Succeeded;
// Detail carries the termination or failure text.
type Outcome struct {
	Kind     OutcomeKind
	Artifact []byte
	Detail   string
}

// Session is the state of one build. It lives for a single Submit call.
type Session struct {
	ID        string
	Source    string
	Layout    *Layout
	StartedAt time.Time
	Outcome   Outcome
}

func newSession(source string) *Session {
	return &Session{
		ID:        NewSessionID(),
		Source:    source,
		StartedAt: time.Now(),
	}
}
