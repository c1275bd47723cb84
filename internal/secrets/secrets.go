// Package secrets resolves secret references in configuration and keeps
// resolved values out of logs.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// IsRef reports whether value is an env(NAME) reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, "env(") && strings.HasSuffix(value, ")")
}

// Resolve returns the secret value for an env(NAME) reference. Any other
// value is returned unchanged.
func Resolve(value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	name := value[len("env(") : len(value)-1]
	if name == "" {
		return "", fmt.Errorf("empty secret reference %q", value)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return v, nil
}
