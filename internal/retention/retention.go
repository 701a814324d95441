// Package retention ages out readings past the configured horizon. On
// TimescaleDB the server-side retention policy does the real work and this
// sweeper is a safety net; on SQLite it is the only enforcement.
package retention

import (
	"context"
	"log/slog"
	"time"

	"diagnet/internal/storage"
)

const sweepInterval = 24 * time.Hour

// Sweeper deletes readings older than the retention horizon once a day.
type Sweeper struct {
	store  storage.Store
	days   int
	logger *slog.Logger
	now    func() time.Time
	tick   time.Duration
}

func NewSweeper(store storage.Store, days int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		days:   days,
		logger: logger,
		now:    time.Now,
		tick:   sweepInterval,
	}
}

// Run sweeps immediately, then daily, until ctx ends. Disabled when the
// horizon is zero or negative.
func (s *Sweeper) Run(ctx context.Context) {
	if s.days <= 0 {
		return
	}
	s.sweep(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.days)
	deleted, err := s.store.DropBefore(ctx, cutoff)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("retention sweep failed", "cutoff", cutoff, "err", err)
		}
		return
	}
	if deleted > 0 && s.logger != nil {
		s.logger.Info("retention sweep removed readings", "cutoff", cutoff, "deleted", deleted)
	}
}
