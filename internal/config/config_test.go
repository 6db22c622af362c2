package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDurationUnmarshalSuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"500ms": 500 * time.Millisecond,
		"30s":   30 * time.Second,
		"5m":    5 * time.Minute,
		"2h":    2 * time.Hour,
		"1d":    24 * time.Hour,
		"1w":    7 * 24 * time.Hour,
		"1000":  time.Second, // bare number: milliseconds
	}
	for input, want := range cases {
		var d Duration
		if err := d.UnmarshalText([]byte(input)); err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if d.Std() != want {
			t.Fatalf("parse %q: got %v want %v", input, d.Std(), want)
		}
	}
}

func TestDurationUnmarshalInvalidErrors(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatalf("expected error for garbage duration string")
	}
}

func TestSetValueThenGetValueRoundTrips(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	l.SetValue("ai.coder.provider", "gemini")
	if got := l.GetValue("ai.coder.provider"); got != "gemini" {
		t.Fatalf("expected gemini, got %v", got)
	}

	l.SetValue("health.maxIncidentsPerHour", 42)
	if got := l.GetValue("health.maxIncidentsPerHour"); got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}

func TestLoaderDefaultsPopulateTypedConfig(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Locking.TaskTimeout.Std() != 60*time.Minute {
		t.Fatalf("expected default taskTimeout of 60m, got %v", cfg.Locking.TaskTimeout.Std())
	}
	if cfg.Health.MaxIncidentsPerHour != 10 {
		t.Fatalf("expected default maxIncidentsPerHour of 10, got %d", cfg.Health.MaxIncidentsPerHour)
	}
}

func TestProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	steroidsDir := filepath.Join(dir, ".steroids")
	if err := os.MkdirAll(steroidsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(steroidsDir, "config.yaml"), []byte("health:\n  maxIncidentsPerHour: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWD) }()

	l, err := NewLoader()
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Health.MaxIncidentsPerHour != 3 {
		t.Fatalf("expected project override of 3, got %d", cfg.Health.MaxIncidentsPerHour)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("STEROIDS_HEALTH_MAXINCIDENTSPERHOUR", "7")

	l, err := NewLoader()
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Health.MaxIncidentsPerHour != 7 {
		t.Fatalf("expected env override of 7, got %d", cfg.Health.MaxIncidentsPerHour)
	}
}
