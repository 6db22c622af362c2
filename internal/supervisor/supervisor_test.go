package supervisor

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on /bin/sh")
	}
}

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	skipOnWindows(t)
	s := &Supervisor{}
	out := s.run(context.Background(), []string{"/bin/sh", "-c", "echo hello; exit 3"}, Options{}, false, nil)
	if out.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", out.ExitCode)
	}
	if !strings.Contains(out.Stdout, "hello") {
		t.Fatalf("expected stdout to contain hello, got %q", out.Stdout)
	}
	if out.TimedOut {
		t.Fatalf("expected no timeout for a quick command")
	}
}

func TestRunTimesOutOnNoActivity(t *testing.T) {
	skipOnWindows(t)
	s := &Supervisor{}
	start := time.Now()
	out := s.run(context.Background(), []string{"/bin/sh", "-c", "sleep 5"}, Options{Timeout: 100 * time.Millisecond}, false, nil)
	elapsed := time.Since(start)

	if !out.TimedOut {
		t.Fatalf("expected timed_out=true for a silent process exceeding the activity watchdog")
	}
	if elapsed > 4*time.Second {
		t.Fatalf("expected the watchdog to kill the process well before its sleep finished, took %v", elapsed)
	}
}

func TestRunActivityResetsWatchdog(t *testing.T) {
	skipOnWindows(t)
	s := &Supervisor{}
	// Emits output every 50ms for 300ms total; with a 200ms activity
	// timeout the process should finish naturally rather than time out,
	// because each line resets the watchdog.
	script := `for i in 1 2 3 4 5 6; do echo tick-$i; sleep 0.05; done`
	out := s.run(context.Background(), []string{"/bin/sh", "-c", script}, Options{Timeout: 200 * time.Millisecond}, false, nil)
	if out.TimedOut {
		t.Fatalf("expected activity to keep resetting the watchdog, got timed_out=true")
	}
	if !strings.Contains(out.Stdout, "tick-6") {
		t.Fatalf("expected the full script to run to completion, got %q", out.Stdout)
	}
}

func TestRunOutputSizeCapTruncatesStoredBytes(t *testing.T) {
	skipOnWindows(t)
	s := &Supervisor{}
	// Write well over the 2MB cap as many short lines (the pump scans
	// line-by-line, so a single giant unbroken line isn't representative).
	script := `yes a | head -c 3000000`
	out := s.run(context.Background(), []string{"/bin/sh", "-c", script}, Options{}, false, nil)
	if len(out.Stdout) > maxCapturedBytes {
		t.Fatalf("expected captured stdout capped at %d bytes, got %d", maxCapturedBytes, len(out.Stdout))
	}
	if len(out.Stdout) == 0 {
		t.Fatalf("expected some stdout to be captured before the cap")
	}
}

func TestRunJSONStreamSurfacesFinalResult(t *testing.T) {
	skipOnWindows(t)
	s := &Supervisor{}
	script := `echo '{"type":"message","text":"thinking..."}'; echo '{"type":"tool_call","tool":"grep"}'; echo '{"type":"result","result":"the final answer"}'`
	out := s.run(context.Background(), []string{"/bin/sh", "-c", script}, Options{}, true, nil)
	if out.Stdout != "the final answer" {
		t.Fatalf("expected stdout replaced by the final result event, got %q", out.Stdout)
	}
}

func TestRunJSONStreamPassesThroughMalformedLines(t *testing.T) {
	skipOnWindows(t)
	s := &Supervisor{}
	script := `echo 'not json at all'`
	out := s.run(context.Background(), []string{"/bin/sh", "-c", script}, Options{}, true, nil)
	if !strings.Contains(out.Stdout, "not json at all") {
		t.Fatalf("expected malformed line to pass through as raw text, got %q", out.Stdout)
	}
}
