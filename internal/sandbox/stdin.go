package sandbox

import (
	"io"
	"log/slog"
)

// StdinGuard is a stdin for guests that must never read input. A read is a
// programming error in the guest: it is logged and answered with EOF.
type StdinGuard struct {
	Name   string
	Logger *slog.Logger
}

// Read implements io.Reader.
func (g *StdinGuard) Read([]byte) (int, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("sandboxed program should not read from stdin", "program", g.Name)
	return 0, io.EOF
}
