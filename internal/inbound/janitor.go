package inbound

import (
	"context"
	"log/slog"
	"time"

	"syncbridge/internal/inbound/metrics"
)

// Purger removes processing records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Janitor periodically purges processing records past retention.
type Janitor struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewJanitor(store Purger, retention, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Janitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Run purges once immediately and then on every interval until ctx ends.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.PurgeOnce(ctx); err != nil {
			j.logger.WarnContext(ctx, "processing record purge failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PurgeOnce removes records last updated before now minus retention.
func (j *Janitor) PurgeOnce(ctx context.Context) (int, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	n, err := j.store.Purge(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.metrics.AddPurged(n)
		j.logger.InfoContext(ctx, "purged processing records", "count", n)
	}
	return n, nil
}
