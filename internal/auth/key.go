// Package auth provides API key validation and HTTP authentication
// middleware for the build server.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// DefaultEnvVar is the environment variable name for the API key.
const DefaultEnvVar = "ZIGSANDBOX_API_KEY"

// ValidateKey performs timing-safe comparison of the provided key
// against the expected key. Returns true if they match.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the API key from the environment variable.
// Returns empty string if not set.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}

// RequestKey extracts the key a client presented: X-API-Key first, then an
// Authorization bearer token.
func RequestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}
