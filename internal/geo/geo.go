package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	earthRadiusKm = 6371.0
	kmPerDegree   = 111.32
)

// DriverStore is the persistence surface the locator needs.
type DriverStore interface {
	FindDriversInBounds(ctx context.Context, box models.BoundingBox) ([]models.Driver, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, id string, patch models.DriverPatch) (*models.Driver, error)
}

// NearbyDriver is a driver annotated with its great-circle distance from the query point.
type NearbyDriver struct {
	models.Driver
	DistanceKm float64 `json:"distance_km"`
}

type Locator struct {
	store  DriverStore
	logger *zap.Logger
	now    func() time.Time
}

func NewLocator(store DriverStore, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{store: store, logger: logger, now: time.Now}
}

// Nearby returns eligible drivers within radiusKm of center, closest first.
func (l *Locator) Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]NearbyDriver, error) {
	if err := center.Validate("center"); err != nil {
		return nil, err
	}
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		return nil, &models.ValidationError{Field: "radius_km", Reason: "must be > 0"}
	}
	cands, err := l.store.FindDriversInBounds(ctx, Bounds(center, radiusKm))
	if err != nil {
		return nil, fmt.Errorf("find drivers in bounds: %w", err)
	}
	out := make([]NearbyDriver, 0, len(cands))
	for _, d := range cands {
		if !d.Eligible() {
			continue
		}
		dist := Haversine(center, d.Location)
		if dist > radiusKm {
			continue
		}
		out = append(out, NearbyDriver{Driver: d, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].ID < out[j].ID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out, nil
}

// RecordLocation overwrites the driver's latest sample. Last write wins.
func (l *Locator) RecordLocation(ctx context.Context, s models.LocationSample) (*models.Driver, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	at := s.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	loc := s.Coord()
	d, err := l.store.UpdateDriver(ctx, s.DriverID, models.DriverPatch{
		Location:     &loc,
		Heading:      s.Heading,
		Speed:        s.Speed,
		LastActiveAt: &at,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("driver_location_recorded",
		zap.String("driver_id", s.DriverID),
		zap.Float64("lat", s.Lat),
		zap.Float64("lng", s.Lng),
	)
	return d, nil
}

// SetOnline toggles availability and returns the driver before and after the change.
func (l *Locator) SetOnline(ctx context.Context, driverID string, online bool) (before, after *models.Driver, err error) {
	before, err = l.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}
	now := l.now()
	after, err = l.store.UpdateDriver(ctx, driverID, models.DriverPatch{IsOnline: &online, LastActiveAt: &now})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bounds converts a radius into a lat/lng rectangle that fully contains the circle.
func Bounds(center models.Coord, radiusKm float64) models.BoundingBox {
	dLat := radiusKm / kmPerDegree
	box := models.BoundingBox{
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLat: math.Min(center.Lat+dLat, 90),
		MinLng: -180,
		MaxLng: 180,
	}
	cos := math.Cos(toRad(center.Lat))
	if cos < 1e-6 {
		return box
	}
	dLng := radiusKm / (kmPerDegree * cos)
	if dLng >= 180 {
		return box
	}
	box.MinLng = math.Max(center.Lng-dLng, -180)
	box.MaxLng = math.Min(center.Lng+dLng, 180)
	return box
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
