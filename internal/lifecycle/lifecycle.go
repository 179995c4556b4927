// Package lifecycle owns a ride's status and the legal edges between statuses.
// Every write is a conditional update on the status the caller observed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Transitions lists the legal edges. CANCELLED is reachable from every non-terminal status.
var Transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusPending:        {models.StatusDriverAssigned, models.StatusCancelled},
	models.StatusDriverAssigned: {models.StatusDriverArrived, models.StatusCancelled},
	models.StatusDriverArrived:  {models.StatusRideStarted, models.StatusCancelled},
	models.StatusRideStarted:    {models.StatusRideCompleted, models.StatusCancelled},
	models.StatusRideCompleted:  {},
	models.StatusCancelled:      {},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is the conditional-write surface the machine needs.
type Store interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, id string, patch models.RidePatch, expected models.RideStatus) (*models.Ride, error)
}

const maxCASAttempts = 3

type Machine struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Assign claims a PENDING ride for driverID with a single conditional write.
// A ride that already has a driver yields ErrAlreadyAssigned; any other
// non-pending ride yields ErrInvalidTransition.
func (m *Machine) Assign(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, &models.ValidationError{Field: "driver_id", Reason: "required"}
	}
	r, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusPending {
		return nil, assignRejection(r)
	}
	now := m.now()
	status := models.StatusDriverAssigned
	updated, err := m.store.UpdateRide(ctx, rideID, models.RidePatch{
		Status:     &status,
		DriverID:   &driverID,
		AssignedAt: &now,
	}, models.StatusPending)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, models.ErrConflict) {
		return nil, writeError(err)
	}
	// lost the race; classify against whoever won
	r, err = m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return nil, assignRejection(r)
}

func assignRejection(r *models.Ride) error {
	if r.Status.HasDriver() {
		return fmt.Errorf("%w: ride %s is held by driver %s", models.ErrAlreadyAssigned, r.ID, r.DriverID)
	}
	return fmt.Errorf("%w: ride %s is %s", models.ErrInvalidTransition, r.ID, r.Status)
}

// Advance moves an assigned ride forward: arrival, start, completion.
// Completion finalizes the fare locked at assignment; it is never repriced.
func (m *Machine) Advance(ctx context.Context, rideID string, to models.RideStatus) (*models.Ride, error) {
	switch to {
	case models.StatusDriverArrived, models.StatusRideStarted, models.StatusRideCompleted:
	case models.StatusCancelled:
		return nil, &models.ValidationError{Field: "status", Reason: "use cancel to cancel a ride"}
	default:
		return nil, fmt.Errorf("%w: cannot move a ride to %s", models.ErrInvalidTransition, to)
	}
	return m.casLoop(ctx, rideID, to, func(r *models.Ride) models.RidePatch {
		now := m.now()
		p := models.RidePatch{Status: &to}
		switch to {
		case models.StatusDriverArrived:
			p.ArrivedAt = &now
		case models.StatusRideStarted:
			p.StartedAt = &now
		case models.StatusRideCompleted:
			final := r.Fare.TotalFare
			p.CompletedAt = &now
			p.FinalFare = &final
		}
		return p
	})
}

// Cancel moves any non-terminal ride to CANCELLED. The driver id is cleared
// so only live or completed rides carry one.
func (m *Machine) Cancel(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error) {
	return m.casLoop(ctx, rideID, models.StatusCancelled, func(r *models.Ride) models.RidePatch {
		now := m.now()
		to := models.StatusCancelled
		none := ""
		if reason == "" {
			reason = "Cancelled by " + ActorLabel(r, actorID)
		}
		by := actorID
		if by == "" {
			by = "system"
		}
		return models.RidePatch{
			Status:             &to,
			DriverID:           &none,
			CancelledAt:        &now,
			CancellationReason: &reason,
			CancelledBy:        &by,
		}
	})
}

// ActorLabel names who acted on a ride relative to its participants.
func ActorLabel(r *models.Ride, actorID string) string {
	switch {
	case actorID == "":
		return "system"
	case actorID == r.PassengerID:
		return "passenger"
	case actorID == r.DriverID:
		return "driver"
	default:
		return actorID
	}
}

func (m *Machine) casLoop(ctx context.Context, rideID string, to models.RideStatus, build func(*models.Ride) models.RidePatch) (*models.Ride, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		r, err := m.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(r.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, r.Status, to)
		}
		updated, err := m.store.UpdateRide(ctx, rideID, build(r), r.Status)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, writeError(err)
		}
	}
	return nil, fmt.Errorf("%w: ride %s kept changing underneath %s", models.ErrInvalidTransition, rideID, to)
}

func writeError(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrDispatchUnavailable, err)
}
