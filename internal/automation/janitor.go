package automation

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper removes browsers that outlived their attempt.
type Sweeper interface {
	SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error)
}

// StartJanitor runs a background goroutine that periodically removes
// orphaned browser containers.
func StartJanitor(ctx context.Context, s Sweeper, interval, maxAge time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("browser janitor started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				removed, err := s.SweepOrphans(ctx, maxAge)
				if err != nil {
					logger.Error("browser janitor sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					logger.Info("browser janitor removed orphaned containers", "count", removed)
				}
			case <-ctx.Done():
				logger.Info("browser janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
