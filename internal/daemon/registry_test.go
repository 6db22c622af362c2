package daemon

import (
	"os"
	"testing"
	"time"
)

func TestRegistryRegisterAndList(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if err := reg.Register(Entry{RunnerID: "runner-a", ProjectPath: "/proj", PID: os.Getpid(), StartedAt: time.Now()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	entries, err := reg.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].RunnerID != "runner-a" {
		t.Fatalf("expected one entry for runner-a, got %+v", entries)
	}
}

func TestRegistryListPrunesDeadPIDs(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	// A pid this large is very unlikely to be assigned, simulating a dead
	// runner.
	if err := reg.Register(Entry{RunnerID: "runner-dead", ProjectPath: "/proj", PID: 999999, StartedAt: time.Now()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Entry{RunnerID: "runner-alive", ProjectPath: "/proj", PID: os.Getpid(), StartedAt: time.Now()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	entries, err := reg.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].RunnerID != "runner-alive" {
		t.Fatalf("expected only runner-alive to survive pruning, got %+v", entries)
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.Register(Entry{RunnerID: "runner-a", PID: os.Getpid(), StartedAt: time.Now()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Unregister("runner-a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	entries, err := reg.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty registry after unregister, got %+v", entries)
	}
}
