package session

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// GenerateID returns prefix followed by a new ULID. IDs sort by creation
// time, so session logs line up with their ids.
func GenerateID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// NewSessionID returns a fresh "sess_" id.
func NewSessionID() string {
	return GenerateID("sess_")
}
