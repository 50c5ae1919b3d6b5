package metadata

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRefreshInterval is used when no interval is configured.
const DefaultRefreshInterval = 15 * time.Minute

// Scheduler keeps a Store fresh on a fixed interval.
type Scheduler struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler builds a scheduler for store.
func NewScheduler(store *Store, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, interval: interval, logger: logger.With(slog.String("component", "metadata_scheduler"))}
}

// Run refreshes every partition immediately and then every interval until ctx
// ends. Failures are logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.store.RefreshAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled metadata refresh incomplete", slog.Any("error", err))
	}
}
