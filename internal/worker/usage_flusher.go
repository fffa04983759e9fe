package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/telemetry"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageSink is the persistence interface consumed by UsageFlusher.
type UsageSink interface {
	SaveUsage(ctx context.Context, records []accounting.UsageRecord) error
}

// UsageFlusher buffers day-record snapshots and batch-writes them to the
// mirror. Snapshots are dropped when the channel is full; the in-memory
// accounting state stays authoritative.
type UsageFlusher struct {
	ch      chan accounting.UsageRecord
	sink    UsageSink
	metrics *telemetry.Metrics
	every   time.Duration
}

// NewUsageFlusher creates a UsageFlusher writing to sink. metrics may be nil.
func NewUsageFlusher(sink UsageSink, metrics *telemetry.Metrics) *UsageFlusher {
	return &UsageFlusher{
		ch:      make(chan accounting.UsageRecord, usageChanSize),
		sink:    sink,
		metrics: metrics,
		every:   usageFlushEvery,
	}
}

// Name returns the worker identifier.
func (u *UsageFlusher) Name() string { return "usage_flusher" }

// Record enqueues a snapshot. It never blocks.
func (u *UsageFlusher) Record(r accounting.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage snapshot dropped, channel full", "credential_id", r.CredentialID)
	}
}

// Run flushes snapshots until ctx is cancelled, then drains what is left.
func (u *UsageFlusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.every)
	defer ticker.Stop()

	buf := make(map[string]accounting.UsageRecord, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf[r.Key()] = r
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			if u.metrics != nil {
				u.metrics.UsageQueueLength.Set(float64(len(u.ch)))
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageFlusher) drain(buf map[string]accounting.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf[r.Key()] = r
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes buf (one entry per credential-day, latest snapshot wins) and
// empties it.
func (u *UsageFlusher) flush(ctx context.Context, buf map[string]accounting.UsageRecord) {
	batch := make([]accounting.UsageRecord, 0, len(buf))
	for _, r := range buf {
		batch = append(batch, r)
	}
	clear(buf)

	if err := u.sink.SaveUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
