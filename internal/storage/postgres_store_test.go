package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// openTestPostgres skips unless PG_DSN points at a disposable database.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set; skipping postgres integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ps, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := Migrate(ps.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := ps.DB().Exec(`TRUNCATE rides, drivers, pricing_rules, surge_areas`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestPostgresStoreRideRoundTripAndCAS(t *testing.T) {
	ps := openTestPostgres(t)
	ctx := context.Background()

	r := pendingRide("pg-r1", "p1", t0)
	r.Fare = models.FareBreakdown{TotalFare: 358.54, Currency: "INR"}
	r.VehicleType = models.VehicleEconomy
	r.PaymentMethod = models.PaymentCash
	if err := ps.CreateRide(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := ps.GetRide(ctx, "pg-r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Fare.TotalFare != 358.54 || got.DriverID != "" || got.Status != models.StatusPending {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	now := time.Now().UTC()
	patch := models.RidePatch{Status: statusPtr(models.StatusDriverAssigned), DriverID: strPtr("d1"), AssignedAt: &now}
	if _, err := ps.UpdateRide(ctx, "pg-r1", patch, models.StatusPending); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if _, err := ps.UpdateRide(ctx, "pg-r1", patch, models.StatusPending); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := ps.UpdateRide(ctx, "missing", patch, models.StatusPending); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStoreConditionalUpdateRace(t *testing.T) {
	ps := openTestPostgres(t)
	ctx := context.Background()
	r := pendingRide("pg-race", "p1", t0)
	r.VehicleType, r.PaymentMethod = models.VehicleEconomy, models.PaymentCash
	if err := ps.CreateRide(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 10
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			id := string(rune('a' + i))
			_, err := ps.UpdateRide(ctx, "pg-race", models.RidePatch{Status: statusPtr(models.StatusDriverAssigned), DriverID: &id}, models.StatusPending)
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, models.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestPostgresStoreDriversAndPricing(t *testing.T) {
	ps := openTestPostgres(t)
	ctx := context.Background()

	if err := ps.UpsertDriver(ctx, &models.Driver{ID: "d1", IsOnline: true, IsVerified: true, IsActive: true, Rating: 4.8, Location: models.Coord{Lat: 28.61, Lng: 77.2}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ds, err := ps.FindDriversInBounds(ctx, models.BoundingBox{MinLat: 28.5, MaxLat: 28.7, MinLng: 77.1, MaxLng: 77.3})
	if err != nil || len(ds) != 1 {
		t.Fatalf("bounds = %+v, %v", ds, err)
	}
	d, err := ps.UpdateDriver(ctx, "d1", models.DriverPatch{AddRides: 1, AddEarnings: 50})
	if err != nil || d.TotalRides != 1 || d.TotalEarnings != 50 {
		t.Fatalf("update = %+v, %v", d, err)
	}

	if r, err := ps.CurrentPricingRule(ctx, t0); r != nil || err != nil {
		t.Fatalf("expected no rule, got %+v %v", r, err)
	}
	_ = ps.SavePricingRule(ctx, &models.PricingRule{ID: "a", BaseFare: 30, PerKmRate: 10, PerMinuteRate: 1, SurgeMultiplierCap: 2, PeakHourMultiplier: 1.2, IsActive: true, CreatedAt: t0.Add(-2 * time.Hour)})
	_ = ps.SavePricingRule(ctx, &models.PricingRule{ID: "b", BaseFare: 35, PerKmRate: 10, PerMinuteRate: 1, SurgeMultiplierCap: 2, PeakHourMultiplier: 1.2, IsActive: true, CreatedAt: t0.Add(-time.Hour)})
	r, err := ps.CurrentPricingRule(ctx, t0)
	if err != nil || r == nil || r.ID != "b" {
		t.Fatalf("current rule = %+v, %v", r, err)
	}

	_ = ps.SaveSurgeArea(ctx, &models.SurgeArea{ID: "cp", Center: models.Coord{Lat: 28.6139, Lng: 77.2090}, RadiusKm: 2, Multiplier: 1.7, IsActive: true})
	a, err := ps.FindSurgeArea(ctx, models.Coord{Lat: 28.614, Lng: 77.209})
	if err != nil || a == nil || a.ID != "cp" {
		t.Fatalf("surge area = %+v, %v", a, err)
	}
}

func TestPostgresStoreDueBeforeHonoursSchedule(t *testing.T) {
	ps := openTestPostgres(t)
	ctx := context.Background()
	later := t0.Add(3 * time.Hour)
	for _, id := range []string{"pg-asap", "pg-scheduled"} {
		r := pendingRide(id, "p1", t0)
		r.VehicleType, r.PaymentMethod = models.VehicleEconomy, models.PaymentCash
		if id == "pg-scheduled" {
			r.ScheduledAt = &later
		}
		if err := ps.CreateRide(ctx, r); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	rides, _, err := ps.ListRides(ctx, RideFilter{Statuses: []models.RideStatus{models.StatusPending}, DueBefore: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rides) != 1 || rides[0].ID != "pg-asap" {
		t.Fatalf("due before +1h = %v", ids(rides))
	}
}
