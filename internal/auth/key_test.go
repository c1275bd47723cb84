package auth

import (
	"net/http/httptest"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		expected string
		want     bool
	}{
		{"correct key matches", "correct", "correct", true},
		{"wrong key does not match", "wrong", "correct", false},
		{"empty provided does not match", "", "correct", false},
		{"empty expected always returns false", "anything", "", false},
		{"both empty returns false", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateKey(tt.provided, tt.expected)
			if got != tt.want {
				t.Errorf("ValidateKey(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
			}
		})
	}
}

func TestKeyFromEnv(t *testing.T) {
	t.Setenv(DefaultEnvVar, "test-secret-key")
	if got := KeyFromEnv(); got != "test-secret-key" {
		t.Errorf("KeyFromEnv() = %q, want %q", got, "test-secret-key")
	}
}

func TestRequestKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"x-api-key", map[string]string{"X-API-Key": "k1"}, "k1"},
		{"bearer", map[string]string{"Authorization": "Bearer k2"}, "k2"},
		{"x-api-key wins", map[string]string{"X-API-Key": "k1", "Authorization": "Bearer k2"}, "k1"},
		{"basic ignored", map[string]string{"Authorization": "Basic abc"}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/worker", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := RequestKey(r); got != tt.want {
				t.Errorf("RequestKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
