// Package audit records an append-only trail of runtime constellation
// edits (AddTask, RemoveEdge, Undo, ...) to a JSONL file, independent
// of the in-memory undo/redo stack an Editor keeps for itself.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/constellation/internal/shared"
)

type entry struct {
	Timestamp       string `json:"timestamp"`
	Operation       string `json:"operation"`
	ConstellationID string `json:"constellation_id"`
	Description     string `json:"description"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens (creating if needed) homeDir/logs/audit.jsonl. Safe to
// call more than once; subsequent calls are no-ops.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close closes the underlying file. Safe to call when Init was never
// called.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one edit to the audit trail. A nil-Init'd audit
// package silently drops records, so callers don't need to guard
// every call site behind an "is audit enabled" check.
func Record(operation, constellationID, description string) {
	description = shared.Redact(description)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		Operation:       operation,
		ConstellationID: constellationID,
		Description:     description,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
