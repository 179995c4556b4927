package models

import (
	"math"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects coordinates outside the WGS84 range.
func (c Coord) Validate(field string) error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return &ValidationError{Field: field + ".lat", Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return &ValidationError{Field: field + ".lng", Reason: "must be within [-180, 180]"}
	}
	return nil
}

type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

// BoundingBox is an inclusive lat/lng rectangle used as a cheap prefilter.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

func (b BoundingBox) Contains(c Coord) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lng >= b.MinLng && c.Lng <= b.MaxLng
}

type RideStatus string

const (
	StatusPending        RideStatus = "PENDING"
	StatusDriverAssigned RideStatus = "DRIVER_ASSIGNED"
	StatusDriverArrived  RideStatus = "DRIVER_ARRIVED"
	StatusRideStarted    RideStatus = "RIDE_STARTED"
	StatusRideCompleted  RideStatus = "RIDE_COMPLETED"
	StatusCancelled      RideStatus = "CANCELLED"
)

func ParseRideStatus(s string) (RideStatus, error) {
	st := RideStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusDriverAssigned, StatusDriverArrived, StatusRideStarted, StatusRideCompleted, StatusCancelled:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Reason: "unknown ride status " + s}
}

func (s RideStatus) Terminal() bool {
	return s == StatusRideCompleted || s == StatusCancelled
}

// HasDriver reports whether a ride in this status must carry a driver id.
func (s RideStatus) HasDriver() bool {
	switch s {
	case StatusDriverAssigned, StatusDriverArrived, StatusRideStarted, StatusRideCompleted:
		return true
	}
	return false
}

// ActiveStatuses are the statuses in which the assigned driver is on the way or on the trip.
var ActiveStatuses = []RideStatus{StatusDriverAssigned, StatusDriverArrived, StatusRideStarted}

// DemandStatuses count towards pickup-area demand when pricing.
var DemandStatuses = []RideStatus{StatusPending, StatusDriverAssigned, StatusDriverArrived, StatusRideStarted}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	if s == "" {
		return PaymentCash, nil
	}
	pm := PaymentMethod(strings.ToLower(s))
	switch pm {
	case PaymentCash, PaymentCard, PaymentWallet:
		return pm, nil
	}
	return "", &ValidationError{Field: "payment_method", Reason: "unsupported payment method " + s}
}

type VehicleType string

const (
	VehicleEconomy VehicleType = "economy"
	VehicleComfort VehicleType = "comfort"
	VehiclePremium VehicleType = "premium"
	VehicleBike    VehicleType = "bike"
)

func ParseVehicleType(s string) (VehicleType, error) {
	if s == "" {
		return VehicleEconomy, nil
	}
	vt := VehicleType(strings.ToLower(s))
	switch vt {
	case VehicleEconomy, VehicleComfort, VehiclePremium, VehicleBike:
		return vt, nil
	}
	return "", &ValidationError{Field: "vehicle_type", Reason: "unsupported vehicle type " + s}
}

// FareBreakdown is a priced quote. All money amounts are rounded to 2 decimals.
type FareBreakdown struct {
	DistanceKm       float64 `json:"distance_km"`
	EstimatedMinutes int     `json:"estimated_minutes"`
	BaseFare         float64 `json:"base_fare"`
	DistanceFare     float64 `json:"distance_fare"`
	TimeFare         float64 `json:"time_fare"`
	Subtotal         float64 `json:"subtotal"`
	SurgeMultiplier  float64 `json:"surge_multiplier"`
	SurgeAmount      float64 `json:"surge_amount"`
	PeakMultiplier   float64 `json:"peak_multiplier"`
	PeakAmount       float64 `json:"peak_amount"`
	TotalFare        float64 `json:"total_fare"`
	Currency         string  `json:"currency"`
	VehicleType      string  `json:"vehicle_type"`
	SurgeAreaID      string  `json:"surge_area_id,omitempty"`
	RuleID           string  `json:"rule_id,omitempty"`
}

type Ride struct {
	ID                 string        `json:"id"`
	PassengerID        string        `json:"passenger_id"`
	DriverID           string        `json:"driver_id,omitempty"`
	Pickup             Location      `json:"pickup"`
	Drop               Location      `json:"drop"`
	DistanceKm         float64       `json:"distance_km"`
	DurationMinutes    int           `json:"duration_minutes"`
	Fare               FareBreakdown `json:"fare"`
	FinalFare          float64       `json:"final_fare,omitempty"`
	VehicleType        VehicleType   `json:"vehicle_type"`
	Status             RideStatus    `json:"status"`
	PaymentMethod      PaymentMethod `json:"payment_method"`
	ScheduledAt        *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	AssignedAt         *time.Time    `json:"assigned_at,omitempty"`
	ArrivedAt          *time.Time    `json:"arrived_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CancelledBy        string        `json:"cancelled_by,omitempty"`
}

// RidePatch carries a partial ride update; nil fields are left untouched.
type RidePatch struct {
	Status             *RideStatus
	DriverID           *string
	FinalFare          *float64
	AssignedAt         *time.Time
	ArrivedAt          *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason *string
	CancelledBy        *string
}

// Apply mutates r in place and stamps UpdatedAt.
func (p RidePatch) Apply(r *Ride, now time.Time) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.DriverID != nil {
		r.DriverID = *p.DriverID
	}
	if p.FinalFare != nil {
		r.FinalFare = *p.FinalFare
	}
	if p.AssignedAt != nil {
		r.AssignedAt = p.AssignedAt
	}
	if p.ArrivedAt != nil {
		r.ArrivedAt = p.ArrivedAt
	}
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		r.CompletedAt = p.CompletedAt
	}
	if p.CancelledAt != nil {
		r.CancelledAt = p.CancelledAt
	}
	if p.CancellationReason != nil {
		r.CancellationReason = *p.CancellationReason
	}
	if p.CancelledBy != nil {
		r.CancelledBy = *p.CancelledBy
	}
	r.UpdatedAt = now
}

type Vehicle struct {
	Make  string      `json:"make"`
	Model string      `json:"model"`
	Plate string      `json:"plate"`
	Color string      `json:"color,omitempty"`
	Type  VehicleType `json:"type"`
}

type Driver struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Vehicle       Vehicle    `json:"vehicle"`
	IsOnline      bool       `json:"is_online"`
	IsVerified    bool       `json:"is_verified"`
	IsActive      bool       `json:"is_active"`
	Location      Coord      `json:"location"`
	Heading       *float64   `json:"heading,omitempty"`
	Speed         *float64   `json:"speed,omitempty"`
	Rating        float64    `json:"rating"` // 0..5
	TotalRides    int        `json:"total_rides"`
	TotalEarnings float64    `json:"total_earnings"`
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
}

func (d Driver) Eligible() bool { return d.IsOnline && d.IsVerified && d.IsActive }

// DriverPatch carries a partial driver update; nil fields are left untouched.
type DriverPatch struct {
	IsOnline     *bool
	Location     *Coord
	Heading      *float64
	Speed        *float64
	LastActiveAt *time.Time
	AddRides     int
	AddEarnings  float64
}

func (p DriverPatch) Apply(d *Driver) {
	if p.IsOnline != nil {
		d.IsOnline = *p.IsOnline
	}
	if p.Location != nil {
		d.Location = *p.Location
	}
	if p.Heading != nil {
		h := *p.Heading
		d.Heading = &h
	}
	if p.Speed != nil {
		s := *p.Speed
		d.Speed = &s
	}
	if p.LastActiveAt != nil {
		t := *p.LastActiveAt
		d.LastActiveAt = &t
	}
	d.TotalRides += p.AddRides
	d.TotalEarnings += p.AddEarnings
}

type PricingRule struct {
	ID                 string     `json:"id"`
	BaseFare           float64    `json:"base_fare"`
	PerKmRate          float64    `json:"per_km_rate"`
	PerMinuteRate      float64    `json:"per_minute_rate"`
	SurgeMultiplierCap float64    `json:"surge_multiplier_cap"`
	PeakHourMultiplier float64    `json:"peak_hour_multiplier"`
	ValidFrom          *time.Time `json:"valid_from,omitempty"`
	ValidUntil         *time.Time `json:"valid_until,omitempty"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
}

// CoversTime reports whether the rule is active and its validity window contains t.
func (r PricingRule) CoversTime(t time.Time) bool {
	if !r.IsActive {
		return false
	}
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !t.Before(*r.ValidUntil) {
		return false
	}
	return true
}

type SurgeArea struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Center     Coord     `json:"center"`
	RadiusKm   float64   `json:"radius_km"`
	Multiplier float64   `json:"multiplier"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// LocationSample is the latest reported position of a driver. Only the newest is retained.
type LocationSample struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lng: s.Lng} }

func (s LocationSample) Validate() error {
	if strings.TrimSpace(s.DriverID) == "" {
		return &ValidationError{Field: "driver_id", Reason: "required"}
	}
	if err := s.Coord().Validate("location"); err != nil {
		return err
	}
	if s.Heading != nil && (*s.Heading < 0 || *s.Heading >= 360) {
		return &ValidationError{Field: "heading", Reason: "must be within [0, 360)"}
	}
	if s.Speed != nil && *s.Speed < 0 {
		return &ValidationError{Field: "speed", Reason: "must be >= 0"}
	}
	return nil
}
