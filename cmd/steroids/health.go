package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/steroids-run/steroids/internal/recovery"
)

// healthInterval is how often the detector/sanitizer sweep runs alongside
// the orchestrator loop on the same process.
const healthInterval = 30 * time.Second

// startHealthLoop launches the stuck-task detector and sanitizer on a
// ticker, returning a stop function. Findings and recovery actions are
// logged; failures never abort the orchestrator loop itself.
func startHealthLoop(ctx context.Context, eng *recovery.Engine, e *env, log *slog.Logger) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				runHealthSweep(loopCtx, eng, e, log)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func runHealthSweep(ctx context.Context, eng *recovery.Engine, e *env, log *slog.Logger) {
	if e.cfg.Health.AutoRecover {
		actions, err := eng.Recover(ctx)
		if err != nil {
			log.Warn("recovery sweep failed", "error", err)
		}
		for _, a := range actions {
			log.Info("recovery action taken", "mode", a.Finding.Mode, "task_id", a.Finding.TaskID,
				"runner_id", a.Finding.RunnerID, "resolution", a.Resolution)
		}
	} else if findings, err := eng.Detect(ctx); err != nil {
		log.Warn("detection sweep failed", "error", err)
	} else {
		for _, f := range findings {
			log.Warn("pathology detected", "mode", f.Mode, "task_id", f.TaskID, "runner_id", f.RunnerID)
		}
	}

	if err := eng.Sanitize(ctx, recovery.SanitizeConfig{
		Enabled:              e.cfg.Health.SanitiseEnabled,
		IntervalMinutes:      e.cfg.Health.SanitiseIntervalMinutes,
		InvocationTimeoutSec: e.cfg.Health.SanitiseInvocationTimeoutSec,
	}, e.steroidsDir); err != nil {
		log.Warn("sanitize sweep failed", "error", err)
	}
}
