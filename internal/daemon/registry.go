// Package daemon maintains a machine-local registry file listing every
// runner process started on the host, independent of the global SQLite
// runners table. `steroids doctor runners` cross-checks the two:
// a runner present in the registry but dead, or present in the database
// but missing from the registry, is a signal worth surfacing to an
// operator even when it is not one of the detector's four pathologies.
//
// The registry file is guarded by a file lock for cross-process safety.
// Runners have no IPC surface beyond the shared database; the registry
// exists only so operators can see what is running on this host.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steroids-run/steroids/internal/recovery"
)

// Entry is one runner process recorded in the registry.
type Entry struct {
	RunnerID    string    `json:"runner_id"`
	ProjectPath string    `json:"project_path"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
}

// Registry manages the host-wide runner registry file.
type Registry struct {
	path     string
	lockPath string
	mu       sync.Mutex // in-process guard; the flock covers cross-process safety
}

// NewRegistry opens the registry rooted at home (typically $STEROIDS_HOME),
// creating its parent directory if missing.
func NewRegistry(home string) (*Registry, error) {
	dir := filepath.Join(home, ".steroids")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	return &Registry{
		path:     filepath.Join(dir, "registry.json"),
		lockPath: filepath.Join(dir, "registry.lock"),
	}, nil
}

func (r *Registry) withFileLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl := flock.New(r.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

func (r *Registry) readEntriesLocked() ([]Entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(bytesTrimSpace(data)) == 0 {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupted registry is treated as empty rather than failing the
		// caller; the next Register rewrites the file.
		return []Entry{}, nil
	}
	return entries, nil
}

func (r *Registry) writeEntriesLocked(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, "registry-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp registry file: %w", err)
	}
	return nil
}

// Register records a runner's PID and project, replacing any prior entry
// for the same runner id.
func (r *Registry) Register(e Entry) error {
	return r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		filtered := entries[:0:0]
		for _, existing := range entries {
			if existing.RunnerID != e.RunnerID {
				filtered = append(filtered, existing)
			}
		}
		filtered = append(filtered, e)
		return r.writeEntriesLocked(filtered)
	})
}

// Unregister removes a runner's entry on clean shutdown.
func (r *Registry) Unregister(runnerID string) error {
	return r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		filtered := entries[:0:0]
		for _, existing := range entries {
			if existing.RunnerID != runnerID {
				filtered = append(filtered, existing)
			}
		}
		return r.writeEntriesLocked(filtered)
	})
}

// List returns every entry whose process is still alive, pruning dead ones
// from the file as a side effect.
func (r *Registry) List() ([]Entry, error) {
	var alive []Entry
	err := r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if recovery.DefaultProcessAlive(e.PID) {
				alive = append(alive, e)
			}
		}
		if len(alive) != len(entries) {
			if err := r.writeEntriesLocked(alive); err != nil {
				return fmt.Errorf("prune stale registry entries: %w", err)
			}
		}
		return nil
	})
	return alive, err
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	isSpace := func(c byte) bool { return c == 0 || c == ' ' || c == '\t' || c == '\n' || c == '\r' }
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}
