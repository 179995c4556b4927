// Package notify delivers passenger and driver notifications about ride
// progress. Notifications are fire-and-forget: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	KindConfirmation = "confirmation"
	KindUpdate       = "update"
	KindReceipt      = "receipt"
)

type Notifier interface {
	SendRideConfirmation(ctx context.Context, ride *models.Ride) error
	SendRideUpdate(ctx context.Context, ride *models.Ride, message string) error
	SendReceipt(ctx context.Context, receipt Receipt) error
}

// Receipt summarises a completed ride for the passenger.
type Receipt struct {
	RideID          string               `json:"ride_id"`
	PassengerID     string               `json:"passenger_id"`
	DriverID        string               `json:"driver_id"`
	Pickup          models.Location      `json:"pickup"`
	Drop            models.Location      `json:"drop"`
	DistanceKm      float64              `json:"distance_km"`
	DurationMinutes int                  `json:"duration_minutes"`
	Fare            models.FareBreakdown `json:"fare"`
	FinalFare       float64              `json:"final_fare"`
	Currency        string               `json:"currency"`
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
	CompletedAt     time.Time            `json:"completed_at"`
}

// ReceiptFor builds the receipt of a completed ride.
func ReceiptFor(r *models.Ride) Receipt {
	rc := Receipt{
		RideID:          r.ID,
		PassengerID:     r.PassengerID,
		DriverID:        r.DriverID,
		Pickup:          r.Pickup,
		Drop:            r.Drop,
		DistanceKm:      r.DistanceKm,
		DurationMinutes: r.DurationMinutes,
		Fare:            r.Fare,
		Currency:        r.Fare.Currency,
		FinalFare:       r.FinalFare,
		PaymentMethod:   r.PaymentMethod,
	}
	if rc.FinalFare == 0 {
		rc.FinalFare = r.Fare.TotalFare
	}
	if r.CompletedAt != nil {
		rc.CompletedAt = *r.CompletedAt
	}
	return rc
}

// LogNotifier writes notifications to the log. It is the default when no
// delivery channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) SendRideConfirmation(_ context.Context, r *models.Ride) error {
	l.logger.Info("notify_ride_confirmation",
		zap.String("ride_id", r.ID),
		zap.String("passenger_id", r.PassengerID),
		zap.String("driver_id", r.DriverID),
	)
	return nil
}

func (l *LogNotifier) SendRideUpdate(_ context.Context, r *models.Ride, message string) error {
	l.logger.Info("notify_ride_update",
		zap.String("ride_id", r.ID),
		zap.String("status", string(r.Status)),
		zap.String("message", message),
	)
	return nil
}

func (l *LogNotifier) SendReceipt(_ context.Context, rc Receipt) error {
	l.logger.Info("notify_receipt",
		zap.String("ride_id", rc.RideID),
		zap.Float64("final_fare", rc.FinalFare),
		zap.String("currency", rc.Currency),
	)
	return nil
}

// Multi sends every notification through each notifier and joins the errors.
type Multi []Notifier

func (m Multi) SendRideConfirmation(ctx context.Context, r *models.Ride) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendRideConfirmation(ctx, r))
	}
	return errors.Join(errs...)
}

func (m Multi) SendRideUpdate(ctx context.Context, r *models.Ride, message string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendRideUpdate(ctx, r, message))
	}
	return errors.Join(errs...)
}

func (m Multi) SendReceipt(ctx context.Context, rc Receipt) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendReceipt(ctx, rc))
	}
	return errors.Join(errs...)
}
