package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RideFilter selects rides for listing. Zero values mean "any".
type RideFilter struct {
	// UserID matches rides where the user is the passenger or the driver, narrowed by Role.
	UserID         string
	Role           Role
	DriverID       string
	Statuses       []models.RideStatus
	CreatedBefore  time.Time
	// DueBefore matches rides whose later of created_at and scheduled_at is before it.
	DueBefore      time.Time
	CompletedSince time.Time
	Limit          int
	Offset         int
}

type Role string

const (
	RoleAny       Role = ""
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// RideStore persists rides. UpdateRide with a non-empty expected status is a
// compare-and-swap and returns models.ErrConflict when the status differs.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, id string, patch models.RidePatch, expected models.RideStatus) (*models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]models.Ride, int, error)
	CountActiveRidesInBounds(ctx context.Context, box models.BoundingBox, since time.Time) (int, error)
}

type DriverStore interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, id string, patch models.DriverPatch) (*models.Driver, error)
	FindDriversInBounds(ctx context.Context, box models.BoundingBox) ([]models.Driver, error)
}

type PricingStore interface {
	CurrentPricingRule(ctx context.Context, at time.Time) (*models.PricingRule, error)
	SavePricingRule(ctx context.Context, r *models.PricingRule) error
	FindSurgeArea(ctx context.Context, c models.Coord) (*models.SurgeArea, error)
	ListSurgeAreas(ctx context.Context, activeOnly bool) ([]models.SurgeArea, error)
	SaveSurgeArea(ctx context.Context, a *models.SurgeArea) error
}

type Store interface {
	RideStore
	DriverStore
	PricingStore
	Ping(ctx context.Context) error
}
