package sync

import (
	"context"
	"log/slog"
	"time"
)

// OnceRunner is the slice of Runner the scheduler drives.
type OnceRunner interface {
	RunOnce(ctx context.Context) error
}

// Scheduler re-runs the full sync on a fixed interval until the context
// ends.
type Scheduler struct {
	Runner   OnceRunner
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}

	// Run immediately at startup.
	if err := s.Runner.RunOnce(ctx); err != nil {
		s.logger().Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Runner.RunOnce(ctx); err != nil {
				s.logger().Error("scheduled sync failed", "err", err)
			}
		}
	}
}
