// Background cleanup: each cycle drops old terminated processes and
// stale orchestration sessions, prunes empty rate-limit windows,
// expires pending interrupts past their TTL, and removes resolved
// interrupts past retention.
package kernel

import (
	"time"
)

// CleanupConfig sets the cleanup interval and per-category retention
// periods.
type CleanupConfig struct {
	Interval             time.Duration // zero means use defaults
	ProcessRetention     time.Duration // terminated processes
	SessionRetention     time.Duration // stale sessions and resolved interrupts
	RateLimiterRetention time.Duration // empty rate windows
}

// DefaultCleanupConfig: 5m interval, 24h process retention, 1h for
// sessions and rate windows.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:             5 * time.Minute,
		ProcessRetention:     24 * time.Hour,
		SessionRetention:     1 * time.Hour,
		RateLimiterRetention: 1 * time.Hour,
	}
}

// StartCleanupLoop runs cleanup cycles on a ticker until the returned
// stop function is called.
func (k *Kernel) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				k.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runCleanupCycle performs a single cleanup cycle. A panic in one
// cycle is contained so the loop keeps running.
func (k *Kernel) runCleanupCycle(cfg CleanupConfig) {
	_ = SafeExecute(k.logger, "cleanup_cycle", func() error {
		k.cleanupOnce(cfg)
		return nil
	})
}

func (k *Kernel) cleanupOnce(cfg CleanupConfig) {
	processCount := k.lifecycle.CleanupTerminated(cfg.ProcessRetention)

	sessionCount := 0
	if k.orchestrator != nil {
		sessionCount = k.orchestrator.CleanupStaleSessions(cfg.SessionRetention)
	}

	k.rateLimiter.CleanupExpired()

	// Pending interrupts past TTL expire first; resolved ones age out
	// after retention.
	expired := k.interrupts.ExpirePending()
	k.interrupts.CleanupResolved(cfg.SessionRetention)

	if k.logger != nil {
		k.logger.Debug("cleanup_cycle_completed",
			"processes_cleaned", processCount,
			"sessions_cleaned", sessionCount,
			"interrupts_expired", len(expired))
	}
}
