package locking

import (
	"context"
	"time"
)

// HeartbeatScheduler fires HeartbeatTask on an interval for the lifetime of
// a held lease. It is cancellable (via ctx) and idempotent: calling Stop
// more than once, or letting ctx expire before Stop is called, are both
// safe.
type HeartbeatScheduler struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartTaskHeartbeat launches a background heartbeat loop for taskID held
// by runnerID, firing every interval (default 30s) until ctx is canceled
// or Stop is called.
func (m *Manager) StartTaskHeartbeat(ctx context.Context, taskID, runnerID string, interval time.Duration) *HeartbeatScheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := m.HeartbeatTask(loopCtx, taskID, runnerID); err != nil {
					m.log.Warn("heartbeat failed", "task_id", taskID, "runner_id", runnerID, "error", err)
				}
			}
		}
	}()

	return &HeartbeatScheduler{cancel: cancel, done: done}
}

// Stop ends the heartbeat loop and waits for it to exit. Safe to call more
// than once.
func (h *HeartbeatScheduler) Stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}
