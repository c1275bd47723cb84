package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Middleware returns an HTTP middleware that validates API key authentication.
// An empty apiKey disables authentication. Requests to skipPaths (e.g.
// "/healthz") are always allowed. A non-nil guard blocks clients after
// repeated failures.
func Middleware(apiKey string, skipPaths []string, guard *Guard) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || skipSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientIP(r)
			if guard != nil {
				if wait := guard.RetryAfter(client); wait > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())+1))
					writeAuthError(w, http.StatusTooManyRequests, "rate_limited", "Too many failed authentication attempts. Try again later.")
					return
				}
			}

			key := RequestKey(r)
			if !ValidateKey(key, apiKey) {
				if guard != nil {
					guard.Fail(client)
				}
				msg := "invalid API key"
				if key == "" {
					msg = "missing API key"
				}
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", msg)
				return
			}

			if guard != nil {
				guard.Succeed(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
