package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tailorcv/pipeline/internal/cache"
	"github.com/tailorcv/pipeline/internal/store"
)

// Sweeper deletes job records past their retention horizon and drops
// their cached status snapshots. Records are short-lived status
// metadata, so a periodic hard delete is all the retention policy
// there is.
type Sweeper struct {
	logger   *slog.Logger
	store    store.Store
	cache    cache.StatusCache
	interval time.Duration
}

func NewSweeper(logger *slog.Logger, st store.Store, ca cache.StatusCache, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{logger: logger, store: st, cache: ca, interval: interval}
}

// Run purges on a fixed interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Expiry sweeper started",
		slog.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.store.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("Failed to purge expired job records",
					slog.Any("error", err),
				)
				continue
			}
			if len(purged) == 0 {
				continue
			}

			// A cached snapshot must not outlive its record.
			if s.cache != nil {
				for _, jobID := range purged {
					if err := s.cache.InvalidateJob(ctx, jobID); err != nil {
						s.logger.Warn("Failed to drop cached status snapshot",
							slog.String("job_id", jobID),
							slog.Any("error", err),
						)
					}
				}
			}

			s.logger.Info("Purged expired job records",
				slog.Int("purged", len(purged)),
			)
		}
	}
}
