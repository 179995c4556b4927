// Package broadcast fans ride lifecycle and location events out to
// per-ride and per-driver channels. Delivery is best effort and at most once.
package broadcast

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	EventRideRequested        = "ride-requested"
	EventDriverAssigned       = "driver-assigned"
	EventRideStatusUpdate     = "ride-status-update"
	EventDriverLocationUpdate = "driver-location-update"
)

const (
	ridePrefix   = "ride-"
	driverPrefix = "driver-"
	poolPrefix   = "pool-"
)

func RideChannel(rideID string) string     { return ridePrefix + rideID }
func DriverChannel(driverID string) string { return driverPrefix + driverID }

// PoolChannel carries every open request for one vehicle type, so drivers
// can browse rides before any candidate search has picked them.
func PoolChannel(vehicleType string) string { return poolPrefix + vehicleType }

// ParseChannel splits a channel name into its kind ("ride", "driver" or
// "pool") and id.
func ParseChannel(ch string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(ch, ridePrefix) && len(ch) > len(ridePrefix):
		return "ride", ch[len(ridePrefix):], true
	case strings.HasPrefix(ch, driverPrefix) && len(ch) > len(driverPrefix):
		return "driver", ch[len(driverPrefix):], true
	case strings.HasPrefix(ch, poolPrefix) && len(ch) > len(poolPrefix):
		return "pool", ch[len(poolPrefix):], true
	}
	return "", "", false
}

// Publisher delivers one event to one channel.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

type Envelope struct {
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Data    any       `json:"data"`
	SentAt  time.Time `json:"sent_at"`
}

// Fanout publishes to every configured publisher. Failures are logged and
// swallowed so a broken transport never fails the state change behind it.
type Fanout struct {
	pubs   []Publisher
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, pubs ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{pubs: pubs, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, channel, event string, payload any) error {
	observability.BroadcastsTotal.WithLabelValues(event).Inc()
	for _, p := range f.pubs {
		if err := p.Publish(ctx, channel, event, payload); err != nil {
			f.logger.Warn("broadcast_failed",
				zap.String("channel", channel),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
	return nil
}
