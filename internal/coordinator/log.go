package coordinator

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LogFileName is the coordinator's own append-only intervention log:
// one JSON object per line, flushed on every append, scoped to
// coordinator calls only and rooted under a project's .steroids
// directory.
const LogFileName = "coordinator.jsonl"

const idPrefix = "intervene-"

// LogEntry is one recorded coordinator call.
type LogEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	TaskID    string    `json:"task_id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Log appends LogEntry records to one file under a project's .steroids
// directory.
type Log struct {
	path string
}

// NewLog returns a Log rooted at steroidsDir/coordinator.jsonl.
func NewLog(steroidsDir string) *Log {
	return &Log{path: filepath.Join(steroidsDir, LogFileName)}
}

// Append writes one line and flushes immediately, creating the parent
// directory and file on first use.
func (l *Log) Append(e LogEntry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create coordinator log directory: %w", err)
	}

	if e.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open coordinator log: %w", err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("write coordinator log entry: %w", err)
	}
	return bw.Flush()
}

func newID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate coordinator log id: %w", err)
	}
	return idPrefix + hex.EncodeToString(b[:]), nil
}
