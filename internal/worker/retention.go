package worker

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = 10 * time.Minute

// UsageCleaner removes expired usage records and minute windows.
type UsageCleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (records, windows int)
}

// LogPruner removes security log entries older than a cutoff.
type LogPruner interface {
	Prune(cutoff time.Time) int
}

// RetentionWorker periodically expires accounting state and security log
// entries. It also sweeps once at start.
type RetentionWorker struct {
	usage         UsageCleaner
	log           LogPruner
	retentionDays int
	logRetention  time.Duration
	every         time.Duration
	now           func() time.Time
}

// NewRetentionWorker creates a RetentionWorker. retentionDays applies to
// usage records, logRetention to the security log.
func NewRetentionWorker(usage UsageCleaner, log LogPruner, retentionDays int, logRetention time.Duration) *RetentionWorker {
	return &RetentionWorker{
		usage:         usage,
		log:           log,
		retentionDays: retentionDays,
		logRetention:  logRetention,
		every:         retentionInterval,
		now:           time.Now,
	}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "retention" }

// Run sweeps on a fixed schedule until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	records, windows := w.usage.Cleanup(ctx, w.retentionDays)
	pruned := 0
	if w.log != nil {
		pruned = w.log.Prune(w.now().Add(-w.logRetention))
	}
	if records+windows+pruned == 0 {
		return
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "retention sweep",
		slog.Int("usage_records", records),
		slog.Int("minute_windows", windows),
		slog.Int("security_log_entries", pruned),
	)
}
