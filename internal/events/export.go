package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ExportLog writes events to path as JSON lines, one event per line.
func ExportLog(events []*Event, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating event log: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return fmt.Errorf("encoding %s event: %w", e.Type, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
