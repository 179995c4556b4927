package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// RegisterDriver creates or replaces a driver profile. Ride counters and
// earnings of an existing driver are preserved.
func (c *Coordinator) RegisterDriver(ctx context.Context, d models.Driver) (*models.Driver, error) {
	if strings.TrimSpace(d.ID) == "" {
		return nil, &models.ValidationError{Field: "id", Reason: "required"}
	}
	if err := d.Location.Validate("location"); err != nil {
		return nil, err
	}
	vt, err := models.ParseVehicleType(string(d.Vehicle.Type))
	if err != nil {
		return nil, err
	}
	d.Vehicle.Type = vt
	if d.Rating < 0 || d.Rating > 5 {
		return nil, &models.ValidationError{Field: "rating", Reason: "must be within [0, 5]"}
	}
	if d.UserID == "" {
		d.UserID = d.ID
	}
	prev, err := c.store.GetDriver(ctx, d.ID)
	switch {
	case err == nil:
		d.TotalRides = prev.TotalRides
		d.TotalEarnings = prev.TotalEarnings
		if prev.IsOnline != d.IsOnline {
			adjustOnline(d.IsOnline)
		}
	case isNotFound(err):
		if d.IsOnline {
			adjustOnline(true)
		}
	default:
		return nil, err
	}
	now := c.now()
	d.LastActiveAt = &now
	if err := c.store.UpsertDriver(ctx, &d); err != nil {
		return nil, fmt.Errorf("%w: upsert driver: %v", models.ErrDispatchUnavailable, err)
	}
	c.logger.Info("driver_registered", zap.String("driver_id", d.ID), zap.Bool("online", d.IsOnline))
	return &d, nil
}

// SetDriverOnline toggles availability for dispatch.
func (c *Coordinator) SetDriverOnline(ctx context.Context, driverID string, online bool) (*models.Driver, error) {
	if driverID == "" {
		return nil, &models.ValidationError{Field: "driver_id", Reason: "required"}
	}
	before, after, err := c.locator.SetOnline(ctx, driverID, online)
	if err != nil {
		return nil, err
	}
	if before.IsOnline != after.IsOnline {
		adjustOnline(after.IsOnline)
		c.logger.Info("driver_availability_changed", zap.String("driver_id", driverID), zap.Bool("online", online))
	}
	return after, nil
}

func adjustOnline(online bool) {
	if online {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
}

// Earnings aggregates a driver's completed rides.
type Earnings struct {
	DriverID      string  `json:"driver_id"`
	Currency      string  `json:"currency"`
	Lifetime      float64 `json:"lifetime"`
	LastWeek      float64 `json:"last_7_days"`
	LastMonth     float64 `json:"last_30_days"`
	RidesLifetime int     `json:"rides_lifetime"`
	RidesWeek     int     `json:"rides_last_7_days"`
	RidesMonth    int     `json:"rides_last_30_days"`
	HoursOnTrip   float64 `json:"hours_on_trip"`
	Rating        float64 `json:"rating"`
}

// DriverEarnings sums finalized fares of the driver's completed rides.
func (c *Coordinator) DriverEarnings(ctx context.Context, driverID string) (*Earnings, error) {
	d, err := c.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	rides, _, err := c.store.ListRides(ctx, storage.RideFilter{
		DriverID: driverID,
		Statuses: []models.RideStatus{models.StatusRideCompleted},
	})
	if err != nil {
		return nil, err
	}
	now := c.now()
	week, month := now.AddDate(0, 0, -7), now.AddDate(0, 0, -30)
	e := &Earnings{DriverID: driverID, Rating: d.Rating}
	var onTrip time.Duration
	for _, r := range rides {
		if e.Currency == "" {
			e.Currency = r.Fare.Currency
		}
		e.Lifetime += r.FinalFare
		e.RidesLifetime++
		if r.CompletedAt == nil {
			continue
		}
		if !r.CompletedAt.Before(month) {
			e.LastMonth += r.FinalFare
			e.RidesMonth++
		}
		if !r.CompletedAt.Before(week) {
			e.LastWeek += r.FinalFare
			e.RidesWeek++
		}
		if r.StartedAt != nil {
			onTrip += r.CompletedAt.Sub(*r.StartedAt)
		}
	}
	e.Lifetime = round2(e.Lifetime)
	e.LastWeek = round2(e.LastWeek)
	e.LastMonth = round2(e.LastMonth)
	e.HoursOnTrip = round2(onTrip.Hours())
	return e, nil
}

// SavePricingRule stores a new rule. The newest active rule covering a
// moment is the one in force.
func (c *Coordinator) SavePricingRule(ctx context.Context, r models.PricingRule) (*models.PricingRule, error) {
	switch {
	case r.BaseFare < 0:
		return nil, &models.ValidationError{Field: "base_fare", Reason: "must be >= 0"}
	case r.PerKmRate < 0:
		return nil, &models.ValidationError{Field: "per_km_rate", Reason: "must be >= 0"}
	case r.PerMinuteRate < 0:
		return nil, &models.ValidationError{Field: "per_minute_rate", Reason: "must be >= 0"}
	case r.SurgeMultiplierCap < 1:
		return nil, &models.ValidationError{Field: "surge_multiplier_cap", Reason: "must be >= 1"}
	case r.PeakHourMultiplier < 1:
		return nil, &models.ValidationError{Field: "peak_hour_multiplier", Reason: "must be >= 1"}
	case r.ValidFrom != nil && r.ValidUntil != nil && !r.ValidUntil.After(*r.ValidFrom):
		return nil, &models.ValidationError{Field: "valid_until", Reason: "must be after valid_from"}
	}
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = c.now()
	if err := c.store.SavePricingRule(ctx, &r); err != nil {
		return nil, fmt.Errorf("%w: save pricing rule: %v", models.ErrDispatchUnavailable, err)
	}
	c.logger.Info("pricing_rule_saved", zap.String("rule_id", r.ID), zap.Bool("active", r.IsActive))
	return &r, nil
}

func (c *Coordinator) SaveSurgeArea(ctx context.Context, a models.SurgeArea) (*models.SurgeArea, error) {
	if err := a.Center.Validate("center"); err != nil {
		return nil, err
	}
	if a.RadiusKm <= 0 {
		return nil, &models.ValidationError{Field: "radius_km", Reason: "must be > 0"}
	}
	if a.Multiplier < 1 {
		return nil, &models.ValidationError{Field: "multiplier", Reason: "must be >= 1"}
	}
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = c.now()
	if err := c.store.SaveSurgeArea(ctx, &a); err != nil {
		return nil, fmt.Errorf("%w: save surge area: %v", models.ErrDispatchUnavailable, err)
	}
	c.logger.Info("surge_area_saved", zap.String("area_id", a.ID), zap.Float64("multiplier", a.Multiplier))
	return &a, nil
}
