package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/models"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "realtime disabled", http.StatusServiceUnavailable)
		return
	}
	caller := callerFrom(r.Context())
	if err := s.sessions.Serve(w, r, caller.UserID); err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.String("user_id", caller.UserID), zap.Error(err))
	}
}

// ChannelStore looks up rides and drivers for channel authorization.
type ChannelStore interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
}

// ChannelAuthorizer admits a user to ride-{id} when they are the ride's
// passenger or current driver, to driver-{id} only for their own id, and to
// pool-{vehicle} when they are a registered driver of that vehicle type.
func ChannelAuthorizer(store ChannelStore) broadcast.Authorizer {
	return func(ctx context.Context, userID, channel string) bool {
		kind, id, ok := broadcast.ParseChannel(channel)
		if !ok || userID == "" {
			return false
		}
		switch kind {
		case "driver":
			return id == userID
		case "pool":
			d, err := store.GetDriver(ctx, userID)
			return err == nil && string(d.Vehicle.Type) == id
		case "ride":
			r, err := store.GetRide(ctx, id)
			if err != nil {
				return false
			}
			return r.PassengerID == userID || (r.DriverID != "" && r.DriverID == userID)
		}
		return false
	}
}
