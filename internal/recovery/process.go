package recovery

import (
	"runtime"
	"syscall"
)

// DefaultProcessAlive is the default ProcessAlive predicate: on unix it
// probes liveness with signal 0,
// grounded on the same runtime.GOOS split the supervisor uses for
// terminate/kill (internal/supervisor/supervisor.go). Windows lacks an
// equivalent no-op signal, so a pid is conservatively assumed alive there
// and left to the heartbeat-timeout path to classify as dead_runner.
func DefaultProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// DefaultKillProcess forcefully terminates a zombie runner's process
//, mirroring the supervisor's kill() escalation
// path rather than its polite terminate(), since a zombie runner is by
// definition not responding to its own work.
func DefaultKillProcess(pid int) {
	if pid <= 0 {
		return
	}
	if runtime.GOOS == "windows" {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
