package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const expiryBatch = 100

// Expirer cancels PENDING rides nobody accepted within the TTL. For a
// scheduled ride the TTL runs from the scheduled pickup time.
type Expirer struct {
	c        *Coordinator
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewExpirer returns nil when ttl is zero, which disables expiry.
func NewExpirer(c *Coordinator, ttl, interval time.Duration, logger *zap.Logger) *Expirer {
	if ttl <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Expirer{c: c, ttl: ttl, interval: interval, logger: logger}
}

// Run sweeps on every tick until ctx is done.
func (e *Expirer) Run(ctx context.Context) {
	if e == nil {
		return
	}
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("ride_expiry_sweep_failed", zap.Error(err))
			}
		}
	}
}

// Sweep cancels stale PENDING rides and reports how many it cancelled.
func (e *Expirer) Sweep(ctx context.Context) (int, error) {
	cutoff := e.c.now().Add(-e.ttl)
	reason := "No driver accepted within " + e.ttl.String()
	expired := 0
	for {
		rides, _, err := e.c.store.ListRides(ctx, storage.RideFilter{
			Statuses:  []models.RideStatus{models.StatusPending},
			DueBefore: cutoff,
			Limit:     expiryBatch,
		})
		if err != nil {
			return expired, err
		}
		cancelled := 0
		for _, r := range rides {
			if _, err := e.c.CancelRide(ctx, r.ID, "", reason); err != nil {
				// assigned or cancelled since the listing
				if errors.Is(err, models.ErrInvalidTransition) {
					continue
				}
				return expired, err
			}
			cancelled++
			observability.RidesExpiredTotal.Inc()
			e.logger.Info("ride_expired", zap.String("ride_id", r.ID), zap.Time("created_at", r.CreatedAt))
		}
		expired += cancelled
		if len(rides) < expiryBatch || cancelled == 0 {
			return expired, nil
		}
	}
}
