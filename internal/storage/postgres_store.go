package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, passenger_id, driver_id, pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address,
	distance_km, duration_minutes, fare, final_fare, vehicle_type, status, payment_method, scheduled_at, created_at, updated_at,
	assigned_at, arrived_at, started_at, completed_at, cancelled_at, cancellation_reason, cancelled_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                                     models.Ride
		driverID                              sql.NullString
		fare                                  []byte
		finalFare                             sql.NullFloat64
		scheduled, assigned, arrived, started sql.NullTime
		completed, cancelled                  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PassengerID, &driverID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Drop.Lat, &r.Drop.Lng, &r.Drop.Address, &r.DistanceKm, &r.DurationMinutes, &fare, &finalFare,
		&r.VehicleType, &r.Status, &r.PaymentMethod, &scheduled, &r.CreatedAt, &r.UpdatedAt,
		&assigned, &arrived, &started, &completed, &cancelled, &r.CancellationReason, &r.CancelledBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fare, &r.Fare); err != nil {
		return nil, fmt.Errorf("decode fare: %w", err)
	}
	r.DriverID = driverID.String
	r.FinalFare = finalFare.Float64
	r.ScheduledAt = timePtr(scheduled)
	r.AssignedAt = timePtr(assigned)
	r.ArrivedAt = timePtr(arrived)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	fare, err := json.Marshal(r.Fare)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		r.ID, r.PassengerID, r.DriverID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Drop.Lat, r.Drop.Lng, r.Drop.Address, r.DistanceKm, r.DurationMinutes, fare, sql.NullFloat64{Float64: r.FinalFare, Valid: r.FinalFare != 0},
		string(r.VehicleType), string(r.Status), string(r.PaymentMethod), r.ScheduledAt, r.CreatedAt, r.UpdatedAt,
		r.AssignedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.CancellationReason, r.CancelledBy)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.ErrConflict
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return r, err
}

// setBuilder accumulates "col = $n" fragments for dynamic UPDATE statements.
type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) add(expr string, v any) {
	b.args = append(b.args, v)
	b.sets = append(b.sets, strings.ReplaceAll(expr, "?", fmt.Sprintf("$%d", len(b.args))))
}

// UpdateRide issues a single UPDATE guarded by the expected status when one is given.
func (p *PostgresStore) UpdateRide(ctx context.Context, id string, patch models.RidePatch, expected models.RideStatus) (*models.Ride, error) {
	b := &setBuilder{}
	b.add("updated_at = ?", time.Now().UTC())
	if patch.Status != nil {
		b.add("status = ?", string(*patch.Status))
	}
	if patch.DriverID != nil {
		b.add("driver_id = NULLIF(?, '')", *patch.DriverID)
	}
	if patch.FinalFare != nil {
		b.add("final_fare = ?", *patch.FinalFare)
	}
	if patch.AssignedAt != nil {
		b.add("assigned_at = ?", *patch.AssignedAt)
	}
	if patch.ArrivedAt != nil {
		b.add("arrived_at = ?", *patch.ArrivedAt)
	}
	if patch.StartedAt != nil {
		b.add("started_at = ?", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		b.add("completed_at = ?", *patch.CompletedAt)
	}
	if patch.CancelledAt != nil {
		b.add("cancelled_at = ?", *patch.CancelledAt)
	}
	if patch.CancellationReason != nil {
		b.add("cancellation_reason = ?", *patch.CancellationReason)
	}
	if patch.CancelledBy != nil {
		b.add("cancelled_by = ?", *patch.CancelledBy)
	}

	args := append(b.args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if expected != "" {
		args = append(args, string(expected))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q := `UPDATE rides SET ` + strings.Join(b.sets, ", ") + ` WHERE ` + where + ` RETURNING ` + rideColumns
	r, err := scanRide(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, models.ErrNotFound
		}
		return nil, models.ErrConflict
	}
	return r, err
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, int, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		switch f.Role {
		case RolePassenger:
			conds = append(conds, "passenger_id = "+arg(f.UserID))
		case RoleDriver:
			conds = append(conds, "driver_id = "+arg(f.UserID))
		default:
			ph := arg(f.UserID)
			conds = append(conds, "(passenger_id = "+ph+" OR driver_id = "+ph+")")
		}
	}
	if f.DriverID != "" {
		conds = append(conds, "driver_id = "+arg(f.DriverID))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		conds = append(conds, "status = ANY("+arg(pq.Array(ss))+")")
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < "+arg(f.CreatedBefore))
	}
	if !f.DueBefore.IsZero() {
		conds = append(conds, "GREATEST(created_at, COALESCE(scheduled_at, created_at)) < "+arg(f.DueBefore))
	}
	if !f.CompletedSince.IsZero() {
		conds = append(conds, "completed_at >= "+arg(f.CompletedSince))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + rideColumns + ` FROM rides` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET " + arg(f.Offset)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) CountActiveRidesInBounds(ctx context.Context, box models.BoundingBox, since time.Time) (int, error) {
	ss := make([]string, len(models.DemandStatuses))
	for i, s := range models.DemandStatuses {
		ss[i] = string(s)
	}
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides
		WHERE status = ANY($1) AND created_at >= $2
		AND pickup_lat BETWEEN $3 AND $4 AND pickup_lng BETWEEN $5 AND $6`,
		pq.Array(ss), since, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng).Scan(&n)
	return n, err
}

const driverColumns = `id, user_id, vehicle, is_online, is_verified, is_active, lat, lng, heading, speed,
	rating, total_rides, total_earnings, last_active_at`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d            models.Driver
		vehicle      []byte
		heading      sql.NullFloat64
		speed        sql.NullFloat64
		lastActiveAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.UserID, &vehicle, &d.IsOnline, &d.IsVerified, &d.IsActive, &d.Location.Lat, &d.Location.Lng,
		&heading, &speed, &d.Rating, &d.TotalRides, &d.TotalEarnings, &lastActiveAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vehicle, &d.Vehicle); err != nil {
		return nil, fmt.Errorf("decode vehicle: %w", err)
	}
	if heading.Valid {
		d.Heading = &heading.Float64
	}
	if speed.Valid {
		d.Speed = &speed.Float64
	}
	d.LastActiveAt = timePtr(lastActiveAt)
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	vehicle, err := json.Marshal(d.Vehicle)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO drivers(`+driverColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET user_id=EXCLUDED.user_id, vehicle=EXCLUDED.vehicle, is_online=EXCLUDED.is_online,
			is_verified=EXCLUDED.is_verified, is_active=EXCLUDED.is_active, lat=EXCLUDED.lat, lng=EXCLUDED.lng,
			heading=EXCLUDED.heading, speed=EXCLUDED.speed, rating=EXCLUDED.rating, total_rides=EXCLUDED.total_rides,
			total_earnings=EXCLUDED.total_earnings, last_active_at=EXCLUDED.last_active_at`,
		d.ID, d.UserID, vehicle, d.IsOnline, d.IsVerified, d.IsActive, d.Location.Lat, d.Location.Lng,
		d.Heading, d.Speed, d.Rating, d.TotalRides, d.TotalEarnings, d.LastActiveAt)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, id string, patch models.DriverPatch) (*models.Driver, error) {
	b := &setBuilder{}
	b.add("total_rides = total_rides + ?", patch.AddRides)
	b.add("total_earnings = total_earnings + ?", patch.AddEarnings)
	if patch.IsOnline != nil {
		b.add("is_online = ?", *patch.IsOnline)
	}
	if patch.Location != nil {
		b.add("lat = ?", patch.Location.Lat)
		b.add("lng = ?", patch.Location.Lng)
	}
	if patch.Heading != nil {
		b.add("heading = ?", *patch.Heading)
	}
	if patch.Speed != nil {
		b.add("speed = ?", *patch.Speed)
	}
	if patch.LastActiveAt != nil {
		b.add("last_active_at = ?", *patch.LastActiveAt)
	}
	args := append(b.args, id)
	q := fmt.Sprintf(`UPDATE drivers SET %s WHERE id = $%d RETURNING %s`, strings.Join(b.sets, ", "), len(args), driverColumns)
	d, err := scanDriver(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) FindDriversInBounds(ctx context.Context, box models.BoundingBox) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Driver, 0)
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const ruleColumns = `id, base_fare, per_km_rate, per_minute_rate, surge_multiplier_cap, peak_hour_multiplier,
	valid_from, valid_until, is_active, created_at`

func (p *PostgresStore) CurrentPricingRule(ctx context.Context, at time.Time) (*models.PricingRule, error) {
	var (
		r         models.PricingRule
		from, til sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM pricing_rules
		WHERE is_active AND (valid_from IS NULL OR valid_from <= $1) AND (valid_until IS NULL OR valid_until > $1)
		ORDER BY created_at DESC LIMIT 1`, at).
		Scan(&r.ID, &r.BaseFare, &r.PerKmRate, &r.PerMinuteRate, &r.SurgeMultiplierCap, &r.PeakHourMultiplier,
			&from, &til, &r.IsActive, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ValidFrom = timePtr(from)
	r.ValidUntil = timePtr(til)
	return &r, nil
}

func (p *PostgresStore) SavePricingRule(ctx context.Context, r *models.PricingRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO pricing_rules(`+ruleColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET base_fare=EXCLUDED.base_fare, per_km_rate=EXCLUDED.per_km_rate,
			per_minute_rate=EXCLUDED.per_minute_rate, surge_multiplier_cap=EXCLUDED.surge_multiplier_cap,
			peak_hour_multiplier=EXCLUDED.peak_hour_multiplier, valid_from=EXCLUDED.valid_from,
			valid_until=EXCLUDED.valid_until, is_active=EXCLUDED.is_active`,
		r.ID, r.BaseFare, r.PerKmRate, r.PerMinuteRate, r.SurgeMultiplierCap, r.PeakHourMultiplier,
		r.ValidFrom, r.ValidUntil, r.IsActive, r.CreatedAt)
	return err
}

func (p *PostgresStore) ListSurgeAreas(ctx context.Context, activeOnly bool) ([]models.SurgeArea, error) {
	q := `SELECT id, name, center_lat, center_lng, radius_km, multiplier, is_active, created_at FROM surge_areas`
	if activeOnly {
		q += ` WHERE is_active`
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.SurgeArea, 0)
	for rows.Next() {
		var a models.SurgeArea
		if err := rows.Scan(&a.ID, &a.Name, &a.Center.Lat, &a.Center.Lng, &a.RadiusKm, &a.Multiplier, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindSurgeArea filters active areas by exact distance; the highest multiplier wins.
func (p *PostgresStore) FindSurgeArea(ctx context.Context, c models.Coord) (*models.SurgeArea, error) {
	areas, err := p.ListSurgeAreas(ctx, true)
	if err != nil {
		return nil, err
	}
	var best *models.SurgeArea
	for i := range areas {
		a := areas[i]
		if geo.Haversine(a.Center, c) > a.RadiusKm {
			continue
		}
		if best == nil || a.Multiplier > best.Multiplier {
			best = &a
		}
	}
	return best, nil
}

func (p *PostgresStore) SaveSurgeArea(ctx context.Context, a *models.SurgeArea) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO surge_areas(id, name, center_lat, center_lng, radius_km, multiplier, is_active, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, center_lat=EXCLUDED.center_lat, center_lng=EXCLUDED.center_lng,
			radius_km=EXCLUDED.radius_km, multiplier=EXCLUDED.multiplier, is_active=EXCLUDED.is_active`,
		a.ID, a.Name, a.Center.Lat, a.Center.Lng, a.RadiusKm, a.Multiplier, a.IsActive, a.CreatedAt)
	return err
}
