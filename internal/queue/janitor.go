package queue

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically purges expired records, reclaims stale leases, and
// prunes the audit trail.
type Janitor struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor builds a janitor that sweeps every interval (default one hour).
func NewJanitor(m *Manager, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{manager: m, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs a single pass. Failures are logged; the next tick retries.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	var err error

	if res.Expired, err = j.manager.CleanupExpired(ctx); err != nil {
		j.logger.Error("cleanup expired jobs", slog.String("error", err.Error()))
	}
	if res.Reclaimed, err = j.manager.ReclaimStale(ctx); err != nil {
		j.logger.Error("reclaim stale leases", slog.String("error", err.Error()))
	}
	if res.Pruned, err = j.manager.PruneAudit(ctx); err != nil {
		j.logger.Error("prune audit trail", slog.String("error", err.Error()))
	}
	if res.Expired > 0 || res.Reclaimed > 0 || res.Pruned > 0 {
		j.logger.Info("janitor sweep",
			slog.Int("expired", res.Expired),
			slog.Int("reclaimed", res.Reclaimed),
			slog.Int64("audit_pruned", res.Pruned),
		)
	}
	return res
}

// SweepResult counts what a single sweep removed or recovered.
type SweepResult struct {
	Expired   int
	Reclaimed int
	Pruned    int64
}
