// Package dispatch orchestrates ride requests: quoting, persistence, driver
// offers, lifecycle transitions and the broadcasts and notifications that
// follow each of them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Locator interface {
	Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]geo.NearbyDriver, error)
	RecordLocation(ctx context.Context, s models.LocationSample) (*models.Driver, error)
	SetOnline(ctx context.Context, driverID string, online bool) (before, after *models.Driver, err error)
}

type Pricer interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (models.FareBreakdown, error)
	CurrentRule(ctx context.Context, t time.Time) models.PricingRule
}

type Lifecycle interface {
	Assign(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	Advance(ctx context.Context, rideID string, to models.RideStatus) (*models.Ride, error)
	Cancel(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error)
}

type Ranker interface {
	Rank(ctx context.Context, pickup models.Coord, cands []geo.NearbyDriver) []matcher.Offer
}

// Deps are the collaborators of a Coordinator. Ranker and ETA are optional.
type Deps struct {
	Store     storage.Store
	Locator   Locator
	Pricer    Pricer
	Lifecycle Lifecycle
	Ranker    Ranker
	ETA       matcher.ETA
	Publisher broadcast.Publisher
	Notifier  notify.Notifier
}

type Config struct {
	SearchRadiusKm float64
}

type Coordinator struct {
	store     storage.Store
	locator   Locator
	pricer    Pricer
	lifecycle Lifecycle
	ranker    Ranker
	eta       matcher.ETA
	pub       broadcast.Publisher
	notifier  notify.Notifier
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewCoordinator(d Deps, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SearchRadiusKm <= 0 {
		cfg.SearchRadiusKm = 5
	}
	if d.Publisher == nil {
		d.Publisher = broadcast.NewFanout(logger)
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLogNotifier(logger)
	}
	return &Coordinator{
		store:     d.Store,
		locator:   d.Locator,
		pricer:    d.Pricer,
		lifecycle: d.Lifecycle,
		ranker:    d.Ranker,
		eta:       d.ETA,
		pub:       d.Publisher,
		notifier:  d.Notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type CreateRideRequest struct {
	PassengerID   string          `json:"passenger_id"`
	Pickup        models.Location `json:"pickup"`
	Drop          models.Location `json:"drop"`
	VehicleType   string          `json:"vehicle_type"`
	PaymentMethod string          `json:"payment_method"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
}

func (r CreateRideRequest) validate(now time.Time) (models.VehicleType, models.PaymentMethod, error) {
	if strings.TrimSpace(r.PassengerID) == "" {
		return "", "", &models.ValidationError{Field: "passenger_id", Reason: "required"}
	}
	if err := r.Pickup.Validate("pickup"); err != nil {
		return "", "", err
	}
	if err := r.Drop.Validate("drop"); err != nil {
		return "", "", err
	}
	vt, err := models.ParseVehicleType(r.VehicleType)
	if err != nil {
		return "", "", err
	}
	pm, err := models.ParsePaymentMethod(r.PaymentMethod)
	if err != nil {
		return "", "", err
	}
	if r.ScheduledAt != nil && r.ScheduledAt.Before(now.Add(-time.Minute)) {
		return "", "", &models.ValidationError{Field: "scheduled_at", Reason: "must not be in the past"}
	}
	return vt, pm, nil
}

// RideRequested is the payload of ride-requested. Offer and Rank are set
// only on per-driver channels.
type RideRequested struct {
	RideID      string               `json:"ride_id"`
	Pickup      models.Location      `json:"pickup"`
	Drop        models.Location      `json:"drop"`
	VehicleType models.VehicleType   `json:"vehicle_type"`
	Fare        models.FareBreakdown `json:"fare"`
	Candidates  int                  `json:"candidates"`
	Offer       *matcher.Offer       `json:"offer,omitempty"`
	Rank        int                  `json:"rank,omitempty"`
}

// CreateRide quotes and persists a PENDING ride, then offers it to nearby
// drivers. Acceptance goes through AssignDriver.
func (c *Coordinator) CreateRide(ctx context.Context, req CreateRideRequest) (*models.Ride, error) {
	now := c.now()
	vt, pm, err := req.validate(now)
	if err != nil {
		return nil, err
	}
	fare, err := c.pricer.Quote(ctx, pricing.QuoteRequest{
		Pickup:      req.Pickup.Coord,
		Drop:        req.Drop.Coord,
		VehicleType: vt,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		return nil, err
	}
	ride := &models.Ride{
		ID:              newID(),
		PassengerID:     req.PassengerID,
		Pickup:          req.Pickup,
		Drop:            req.Drop,
		DistanceKm:      fare.DistanceKm,
		DurationMinutes: fare.EstimatedMinutes,
		Fare:            fare,
		VehicleType:     vt,
		Status:          models.StatusPending,
		PaymentMethod:   pm,
		ScheduledAt:     req.ScheduledAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("%w: create ride: %v", models.ErrDispatchUnavailable, err)
	}
	observability.RidesCreatedTotal.Inc()
	c.logger.Info("ride_created",
		zap.String("ride_id", ride.ID),
		zap.String("passenger_id", ride.PassengerID),
		zap.Float64("total_fare", fare.TotalFare),
	)
	c.offer(ctx, ride)
	return ride, nil
}

// offer publishes ride-requested on the vehicle pool channel and to every
// eligible driver within the search radius. The ranking only orders the
// per-driver offers; drivers outside the ranked head still get one.
// Failures here never undo the ride.
func (c *Coordinator) offer(ctx context.Context, ride *models.Ride) {
	cands, err := c.locator.Nearby(ctx, ride.Pickup.Coord, c.cfg.SearchRadiusKm)
	if err != nil {
		c.logger.Warn("candidate_search_failed", zap.String("ride_id", ride.ID), zap.Error(err))
		cands = nil
	}
	offers := c.orderOffers(ctx, ride.Pickup.Coord, cands)
	req := RideRequested{
		RideID:      ride.ID,
		Pickup:      ride.Pickup,
		Drop:        ride.Drop,
		VehicleType: ride.VehicleType,
		Fare:        ride.Fare,
		Candidates:  len(cands),
	}
	c.publish(ctx, broadcast.PoolChannel(string(ride.VehicleType)), broadcast.EventRideRequested, req)
	for i := range offers {
		o := offers[i]
		direct := req
		direct.Offer = &o
		direct.Rank = i + 1
		c.publish(ctx, broadcast.DriverChannel(o.DriverID), broadcast.EventRideRequested, direct)
	}
	c.logger.Debug("ride_offered", zap.String("ride_id", ride.ID), zap.Int("candidates", len(cands)))
}

// orderOffers returns one offer per candidate: the ranked head first, then
// the rest in distance order.
func (c *Coordinator) orderOffers(ctx context.Context, pickup models.Coord, cands []geo.NearbyDriver) []matcher.Offer {
	if c.ranker == nil {
		observability.CandidatePoolSize.Observe(float64(len(cands)))
	}
	offers := make([]matcher.Offer, 0, len(cands))
	seen := make(map[string]bool, len(cands))
	if c.ranker != nil {
		for _, o := range c.ranker.Rank(ctx, pickup, cands) {
			seen[o.DriverID] = true
			offers = append(offers, o)
		}
	}
	for _, d := range cands {
		if !seen[d.ID] {
			offers = append(offers, matcher.Offer{DriverID: d.ID, DistanceKm: d.DistanceKm})
		}
	}
	return offers
}

// publish hands an event to the broadcaster. Errors are logged, never returned.
func (c *Coordinator) publish(ctx context.Context, channel, event string, payload any) {
	if err := c.pub.Publish(ctx, channel, event, payload); err != nil {
		c.logger.Warn("broadcast_failed",
			zap.String("channel", channel),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	if id == "" {
		return nil, &models.ValidationError{Field: "ride_id", Reason: "required"}
	}
	return c.store.GetRide(ctx, id)
}

type RidePage struct {
	Rides  []models.Ride `json:"rides"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListUserRides pages through the rides a user took part in, newest first.
func (c *Coordinator) ListUserRides(ctx context.Context, userID string, role storage.Role, limit, offset int) (*RidePage, error) {
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Reason: "required"}
	}
	switch role {
	case storage.RoleAny, storage.RolePassenger, storage.RoleDriver:
	default:
		return nil, &models.ValidationError{Field: "role", Reason: "must be passenger, driver or empty"}
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		return nil, &models.ValidationError{Field: "offset", Reason: "must be >= 0"}
	}
	rides, total, err := c.store.ListRides(ctx, storage.RideFilter{UserID: userID, Role: role, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return &RidePage{Rides: rides, Total: total, Limit: limit, Offset: offset}, nil
}

// DriverAssigned is the payload sent on the ride channel once a driver wins the ride.
type DriverAssigned struct {
	Ride          *models.Ride   `json:"ride"`
	Driver        *models.Driver `json:"driver"`
	PickupETASecs float64        `json:"pickup_eta_seconds,omitempty"`
}

// AssignDriver gives a PENDING ride to driverID. Exactly one concurrent
// caller wins; the rest get models.ErrAlreadyAssigned.
func (c *Coordinator) AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, &models.ValidationError{Field: "driver_id", Reason: "required"}
	}
	driver, err := c.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !driver.Eligible() {
		observability.AssignmentsTotal.WithLabelValues("ineligible").Inc()
		return nil, &models.ValidationError{Field: "driver_id", Reason: "driver is not online, verified and active"}
	}
	ride, err := c.lifecycle.Assign(ctx, rideID, driverID)
	if err != nil {
		observability.AssignmentsTotal.WithLabelValues(assignResult(err)).Inc()
		return nil, err
	}
	observability.AssignmentsTotal.WithLabelValues("ok").Inc()
	observability.TransitionsTotal.WithLabelValues(string(ride.Status)).Inc()
	c.logger.Info("ride_assigned", zap.String("ride_id", ride.ID), zap.String("driver_id", driverID))

	payload := DriverAssigned{Ride: ride, Driver: driver}
	if c.eta != nil {
		payload.PickupETASecs = c.eta.Seconds(ctx, driver.Location, ride.Pickup.Coord)
	}
	c.publish(ctx, broadcast.RideChannel(ride.ID), broadcast.EventDriverAssigned, payload)
	c.notifyErr(notify.KindConfirmation, ride.ID, c.notifier.SendRideConfirmation(ctx, ride))
	return ride, nil
}

func assignResult(err error) string {
	switch {
	case errors.Is(err, models.ErrAlreadyAssigned):
		return "taken"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// StatusUpdate is the payload of ride-status-update events.
type StatusUpdate struct {
	RideID             string            `json:"ride_id"`
	Status             models.RideStatus `json:"status"`
	DriverID           string            `json:"driver_id,omitempty"`
	FinalFare          float64           `json:"final_fare,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	CancelledBy        string            `json:"cancelled_by,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func statusUpdate(r *models.Ride) StatusUpdate {
	return StatusUpdate{
		RideID:             r.ID,
		Status:             r.Status,
		DriverID:           r.DriverID,
		FinalFare:          r.FinalFare,
		CancellationReason: r.CancellationReason,
		CancelledBy:        r.CancelledBy,
		UpdatedAt:          r.UpdatedAt,
	}
}

// UpdateRideStatus applies a status change requested by actorID.
// DRIVER_ASSIGNED claims the ride for the actor; CANCELLED cancels it.
func (c *Coordinator) UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus, actorID, reason string) (*models.Ride, error) {
	switch status {
	case models.StatusDriverAssigned:
		return c.AssignDriver(ctx, rideID, actorID)
	case models.StatusCancelled:
		return c.CancelRide(ctx, rideID, actorID, reason)
	case models.StatusPending:
		return nil, fmt.Errorf("%w: a ride cannot return to %s", models.ErrInvalidTransition, status)
	}
	ride, err := c.lifecycle.Advance(ctx, rideID, status)
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(ride.Status)).Inc()
	c.logger.Info("ride_status_changed", zap.String("ride_id", ride.ID), zap.String("status", string(ride.Status)))
	c.publish(ctx, broadcast.RideChannel(ride.ID), broadcast.EventRideStatusUpdate, statusUpdate(ride))

	switch ride.Status {
	case models.StatusDriverArrived:
		c.notifyErr(notify.KindUpdate, ride.ID, c.notifier.SendRideUpdate(ctx, ride, "Your driver has arrived at the pickup point"))
	case models.StatusRideStarted:
		c.notifyErr(notify.KindUpdate, ride.ID, c.notifier.SendRideUpdate(ctx, ride, "Your ride has started"))
	case models.StatusRideCompleted:
		c.completeRide(ctx, ride)
	}
	return ride, nil
}

func (c *Coordinator) completeRide(ctx context.Context, ride *models.Ride) {
	if _, err := c.store.UpdateDriver(ctx, ride.DriverID, models.DriverPatch{AddRides: 1, AddEarnings: ride.FinalFare}); err != nil {
		c.logger.Error("driver_stats_update_failed", zap.String("ride_id", ride.ID), zap.String("driver_id", ride.DriverID), zap.Error(err))
	}
	msg := fmt.Sprintf("Your ride is complete. Total fare %.2f %s", ride.FinalFare, ride.Fare.Currency)
	c.notifyErr(notify.KindUpdate, ride.ID, c.notifier.SendRideUpdate(ctx, ride, msg))
	c.notifyErr(notify.KindReceipt, ride.ID, c.notifier.SendReceipt(ctx, notify.ReceiptFor(ride)))
}

// CancelRide cancels any non-terminal ride. An empty actorID means the system.
func (c *Coordinator) CancelRide(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error) {
	ride, err := c.lifecycle.Cancel(ctx, rideID, actorID, strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(ride.Status)).Inc()
	c.logger.Info("ride_cancelled",
		zap.String("ride_id", ride.ID),
		zap.String("cancelled_by", ride.CancelledBy),
		zap.String("reason", ride.CancellationReason),
	)
	c.publish(ctx, broadcast.RideChannel(ride.ID), broadcast.EventRideStatusUpdate, statusUpdate(ride))
	c.notifyErr(notify.KindUpdate, ride.ID, c.notifier.SendRideUpdate(ctx, ride, "Your ride was cancelled: "+ride.CancellationReason))
	return ride, nil
}

// LocationUpdate is the payload of driver-location-update events.
type LocationUpdate struct {
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UpdateDriverLocation records the sample and relays it to every ride the
// driver is currently serving.
func (c *Coordinator) UpdateDriverLocation(ctx context.Context, s models.LocationSample) (*models.Driver, error) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	driver, err := c.locator.RecordLocation(ctx, s)
	if err != nil {
		return nil, err
	}
	rides, _, err := c.store.ListRides(ctx, storage.RideFilter{DriverID: s.DriverID, Statuses: models.ActiveStatuses})
	if err != nil {
		c.logger.Warn("active_rides_lookup_failed", zap.String("driver_id", s.DriverID), zap.Error(err))
		return driver, nil
	}
	for _, r := range rides {
		c.publish(ctx, broadcast.RideChannel(r.ID), broadcast.EventDriverLocationUpdate, LocationUpdate{
			RideID:    r.ID,
			DriverID:  s.DriverID,
			Lat:       s.Lat,
			Lng:       s.Lng,
			Heading:   s.Heading,
			Speed:     s.Speed,
			Timestamp: s.Timestamp,
		})
	}
	return driver, nil
}

func (c *Coordinator) QuoteFare(ctx context.Context, req pricing.QuoteRequest) (models.FareBreakdown, error) {
	return c.pricer.Quote(ctx, req)
}

func (c *Coordinator) NearbyDrivers(ctx context.Context, center models.Coord, radiusKm float64) ([]geo.NearbyDriver, error) {
	return c.locator.Nearby(ctx, center, radiusKm)
}

func (c *Coordinator) SurgeAreas(ctx context.Context) ([]models.SurgeArea, error) {
	return c.store.ListSurgeAreas(ctx, true)
}

func (c *Coordinator) CurrentPricingRule(ctx context.Context) models.PricingRule {
	return c.pricer.CurrentRule(ctx, c.now())
}

func (c *Coordinator) notifyErr(kind, rideID string, err error) {
	if err == nil {
		return
	}
	observability.NotificationsFailed.WithLabelValues(kind).Inc()
	c.logger.Warn("notify_failed", zap.String("kind", kind), zap.String("ride_id", rideID), zap.Error(err))
}
