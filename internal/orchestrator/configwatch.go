package orchestrator

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// watchConfig watches a project's .steroids directory for filesystem
// changes and signals on the returned channel whenever one occurs, so the
// credit-exhaustion pause can react to an operator editing
// config.yaml immediately instead of waiting out the full poll interval.
// The ticker in handleCreditExhaustion remains the source of truth; this
// is strictly a latency optimization.
//
// A nil return means no watcher could be established (steroidsDir empty or
// the platform's inotify/kqueue facility unavailable); callers fall back to
// ticker-only polling, which is always correct, just slower to notice.
func watchConfig(steroidsDir string, log *slog.Logger) (<-chan struct{}, func()) {
	if steroidsDir == "" {
		return nil, func() {}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		if log != nil {
			log.Debug("config watcher unavailable, falling back to polling", "error", err)
		}
		return nil, func() {}
	}
	if err := w.Add(steroidsDir); err != nil {
		if log != nil {
			log.Debug("watch .steroids failed, falling back to polling", "dir", steroidsDir, "error", err)
		}
		_ = w.Close()
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Debug("config watcher error", "error", err)
				}
			}
		}
	}()

	return wake, func() { _ = w.Close() }
}
