package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/skralg/heimdall/internal/storage"
	"github.com/skralg/heimdall/internal/telemetry"
)

const sweepInterval = time.Hour

// RetentionSweeper deletes request logs older than the retention horizon.
// It sweeps once at startup and then hourly; a zero retention disables it.
// Errors are logged and the loop continues.
type RetentionSweeper struct {
	logs          storage.LogStore
	retentionDays int64
	metrics       *telemetry.Metrics // nil = no sweep counter
}

// NewRetentionSweeper creates a sweeper with the given horizon in days.
func NewRetentionSweeper(logs storage.LogStore, retentionDays int64, metrics *telemetry.Metrics) *RetentionSweeper {
	return &RetentionSweeper{logs: logs, retentionDays: retentionDays, metrics: metrics}
}

// Name implements Worker.
func (s *RetentionSweeper) Name() string { return "retention_sweeper" }

// Run sweeps immediately, then on every tick, until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	if s.retentionDays <= 0 {
		slog.Info("log retention disabled")
		<-ctx.Done()
		return nil
	}

	s.sweep(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -int(s.retentionDays))
	deleted, err := s.logs.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.LogsSwept.Add(float64(deleted))
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "retention sweep done",
		slog.Int64("deleted", deleted),
		slog.Int64("retention_days", s.retentionDays),
	)
}
