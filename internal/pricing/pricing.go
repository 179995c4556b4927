// Package pricing computes fare quotes from distance, estimated time and
// the demand and schedule based multipliers.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// RuleSource resolves pricing configuration. A nil rule or area with a nil error means none applies.
type RuleSource interface {
	CurrentPricingRule(ctx context.Context, at time.Time) (*models.PricingRule, error)
	FindSurgeArea(ctx context.Context, c models.Coord) (*models.SurgeArea, error)
}

// DemandSource counts recent ride demand around a point.
type DemandSource interface {
	CountActiveRidesInBounds(ctx context.Context, box models.BoundingBox, since time.Time) (int, error)
}

// DriverSource reports eligible supply around a point.
type DriverSource interface {
	Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]geo.NearbyDriver, error)
}

// Config holds the heuristic constants of the fare algorithm.
type Config struct {
	AverageSpeedKmh    float64
	DemandWeight       float64
	DemandThreshold    float64
	DemandWindow       time.Duration
	PeakBase           float64
	DemandRadiusKm     float64
	MissingDriverRatio float64
	Location           *time.Location
	Currency           string
	VehicleFactors     map[models.VehicleType]float64
}

func DefaultConfig() Config {
	return Config{
		AverageSpeedKmh:    25,
		DemandWeight:       0.5,
		DemandThreshold:    1.5,
		DemandWindow:       30 * time.Minute,
		PeakBase:           1.2,
		DemandRadiusKm:     5,
		MissingDriverRatio: 2.0,
		Location:           time.UTC,
		Currency:           "INR",
		VehicleFactors: map[models.VehicleType]float64{
			models.VehicleEconomy: 1.0,
			models.VehicleBike:    0.7,
			models.VehicleComfort: 1.3,
			models.VehiclePremium: 1.8,
		},
	}
}

// DefaultRule is applied whenever no valid rule is configured.
func DefaultRule() models.PricingRule {
	return models.PricingRule{
		ID:                 "default",
		BaseFare:           25,
		PerKmRate:          12,
		PerMinuteRate:      2,
		SurgeMultiplierCap: 3.0,
		PeakHourMultiplier: 1.5,
		IsActive:           true,
	}
}

type QuoteRequest struct {
	Pickup      models.Coord
	Drop        models.Coord
	VehicleType models.VehicleType
	ScheduledAt *time.Time
}

type Calculator struct {
	rules   RuleSource
	demand  DemandSource
	drivers DriverSource
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewCalculator(rules RuleSource, demand DemandSource, drivers DriverSource, cfg Config, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.AverageSpeedKmh <= 0 {
		cfg.AverageSpeedKmh = def.AverageSpeedKmh
	}
	if cfg.DemandWindow <= 0 {
		cfg.DemandWindow = def.DemandWindow
	}
	if cfg.DemandRadiusKm <= 0 {
		cfg.DemandRadiusKm = def.DemandRadiusKm
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.VehicleFactors == nil {
		cfg.VehicleFactors = def.VehicleFactors
	}
	return &Calculator{rules: rules, demand: demand, drivers: drivers, cfg: cfg, logger: logger, now: time.Now}
}

// Quote prices a trip. It has no side effects.
func (c *Calculator) Quote(ctx context.Context, req QuoteRequest) (models.FareBreakdown, error) {
	start := time.Now()
	defer func() { observability.QuoteDuration.Observe(time.Since(start).Seconds()) }()

	if err := req.Pickup.Validate("pickup"); err != nil {
		return models.FareBreakdown{}, err
	}
	if err := req.Drop.Validate("drop"); err != nil {
		return models.FareBreakdown{}, err
	}
	vt := req.VehicleType
	if vt == "" {
		vt = models.VehicleEconomy
	}
	factor, ok := c.cfg.VehicleFactors[vt]
	if !ok {
		return models.FareBreakdown{}, &models.ValidationError{Field: "vehicle_type", Reason: "unsupported vehicle type " + string(vt)}
	}

	at := c.now()
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	}
	rule := c.CurrentRule(ctx, at)

	distanceKm := geo.Haversine(req.Pickup, req.Drop)
	minutes := c.EstimateMinutes(distanceKm)

	base := rule.BaseFare * factor
	distanceFare := distanceKm * rule.PerKmRate * factor
	timeFare := float64(minutes) * rule.PerMinuteRate * factor
	subtotal := base + distanceFare + timeFare

	surge, areaID, err := c.surge(ctx, req.Pickup, at, rule)
	if err != nil {
		return models.FareBreakdown{}, err
	}
	peak := 1.0
	if c.IsPeakHour(at) {
		peak = math.Max(rule.PeakHourMultiplier, 1)
	}
	observability.SurgeMultiplier.Observe(surge)

	return models.FareBreakdown{
		DistanceKm:       round2(distanceKm),
		EstimatedMinutes: minutes,
		BaseFare:         round2(base),
		DistanceFare:     round2(distanceFare),
		TimeFare:         round2(timeFare),
		Subtotal:         round2(subtotal),
		SurgeMultiplier:  round2(surge),
		SurgeAmount:      round2(subtotal * (surge - 1)),
		PeakMultiplier:   round2(peak),
		PeakAmount:       round2(subtotal * (peak - 1)),
		TotalFare:        round2(subtotal * surge * peak),
		Currency:         c.cfg.Currency,
		VehicleType:      string(vt),
		SurgeAreaID:      areaID,
		RuleID:           rule.ID,
	}, nil
}

// EstimateMinutes converts a distance into whole minutes at the configured
// average speed. The result is never below one minute.
func (c *Calculator) EstimateMinutes(distanceKm float64) int {
	m := int(math.Ceil(distanceKm / c.cfg.AverageSpeedKmh * 60))
	if m < 1 {
		m = 1
	}
	return m
}

// CurrentRule resolves the rule in force at t, falling back to DefaultRule.
func (c *Calculator) CurrentRule(ctx context.Context, t time.Time) models.PricingRule {
	if c.rules == nil {
		return DefaultRule()
	}
	r, err := c.rules.CurrentPricingRule(ctx, t)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		c.logger.Warn("pricing_rule_lookup_failed", zap.Error(err))
		return DefaultRule()
	}
	if r == nil || !usable(*r) {
		return DefaultRule()
	}
	rule := *r
	if rule.SurgeMultiplierCap < 1 {
		rule.SurgeMultiplierCap = DefaultRule().SurgeMultiplierCap
	}
	if rule.PeakHourMultiplier < 1 {
		rule.PeakHourMultiplier = 1
	}
	return rule
}

func usable(r models.PricingRule) bool {
	if r.BaseFare < 0 || r.PerKmRate < 0 || r.PerMinuteRate < 0 {
		return false
	}
	return r.BaseFare+r.PerKmRate+r.PerMinuteRate > 0
}

func (c *Calculator) surge(ctx context.Context, pickup models.Coord, at time.Time, rule models.PricingRule) (float64, string, error) {
	if c.rules != nil {
		area, err := c.rules.FindSurgeArea(ctx, pickup)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return 0, "", fmt.Errorf("%w: surge area lookup: %v", models.ErrPricingUnavailable, err)
		}
		if area != nil {
			return math.Max(area.Multiplier, 1), area.ID, nil
		}
	}

	ratio, err := c.demandRatio(ctx, pickup)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", models.ErrPricingUnavailable, err)
	}
	peakHour := c.IsPeakHour(at)
	if ratio <= c.cfg.DemandThreshold && !peakHour {
		return 1.0, "", nil
	}
	base := 1.0
	if peakHour {
		base = c.cfg.PeakBase
	}
	return math.Max(math.Min(base+ratio*c.cfg.DemandWeight, rule.SurgeMultiplierCap), 1), "", nil
}

// demandRatio is active rides near pickup in the demand window over eligible
// drivers near pickup. Demand with no drivers counts as MissingDriverRatio.
func (c *Calculator) demandRatio(ctx context.Context, pickup models.Coord) (float64, error) {
	if c.demand == nil || c.drivers == nil {
		return 0, nil
	}
	since := c.now().Add(-c.cfg.DemandWindow)
	rides, err := c.demand.CountActiveRidesInBounds(ctx, geo.Bounds(pickup, c.cfg.DemandRadiusKm), since)
	if err != nil {
		return 0, fmt.Errorf("count demand: %w", err)
	}
	drivers, err := c.drivers.Nearby(ctx, pickup, c.cfg.DemandRadiusKm)
	if err != nil {
		return 0, fmt.Errorf("count supply: %w", err)
	}
	if len(drivers) == 0 {
		// 0/0 is an idle market, not a shortage.
		if rides == 0 {
			return 0, nil
		}
		return c.cfg.MissingDriverRatio, nil
	}
	return float64(rides) / float64(len(drivers)), nil
}

// IsPeakHour reports whether t falls in a peak window in the configured timezone:
// weekdays 07:00-09:00 and 17:00-20:00, weekends 10:00-22:00.
func (c *Calculator) IsPeakHour(t time.Time) bool {
	lt := t.In(c.cfg.Location)
	h := lt.Hour()
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return h >= 10 && h < 22
	default:
		return (h >= 7 && h < 9) || (h >= 17 && h < 20)
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
