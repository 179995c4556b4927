package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process. All reads return copies.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	drivers map[string]*models.Driver
	rules   []models.PricingRule
	areas   map[string]models.SurgeArea
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]*models.Driver),
		areas:   make(map[string]models.SurgeArea),
		now:     time.Now,
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return models.ErrConflict
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateRide checks the expected status and applies the patch under one lock.
func (m *MemoryStore) UpdateRide(ctx context.Context, id string, patch models.RidePatch, expected models.RideStatus) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if expected != "" && r.Status != expected {
		return nil, models.ErrConflict
	}
	patch.Apply(r, m.now())
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, int, error) {
	m.mu.RLock()
	matched := make([]models.Ride, 0)
	for _, r := range m.rides {
		if matchesFilter(r, f) {
			matched = append(matched, *r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.Offset >= total {
		return []models.Ride{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func matchesFilter(r *models.Ride, f RideFilter) bool {
	if f.UserID != "" {
		switch f.Role {
		case RolePassenger:
			if r.PassengerID != f.UserID {
				return false
			}
		case RoleDriver:
			if r.DriverID != f.UserID {
				return false
			}
		default:
			if r.PassengerID != f.UserID && r.DriverID != f.UserID {
				return false
			}
		}
	}
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if len(f.Statuses) > 0 && !hasStatus(f.Statuses, r.Status) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.DueBefore.IsZero() && !dueAt(r).Before(f.DueBefore) {
		return false
	}
	if !f.CompletedSince.IsZero() && (r.CompletedAt == nil || r.CompletedAt.Before(f.CompletedSince)) {
		return false
	}
	return true
}

// dueAt is when a ride starts waiting for a driver: creation, or the
// scheduled pickup when that is later.
func dueAt(r *models.Ride) time.Time {
	if r.ScheduledAt != nil && r.ScheduledAt.After(r.CreatedAt) {
		return *r.ScheduledAt
	}
	return r.CreatedAt
}

func hasStatus(set []models.RideStatus, s models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CountActiveRidesInBounds(ctx context.Context, box models.BoundingBox, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rides {
		if hasStatus(models.DemandStatuses, r.Status) && !r.CreatedAt.Before(since) && box.Contains(r.Pickup.Coord) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDriver(ctx context.Context, id string, patch models.DriverPatch) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	patch.Apply(d)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) FindDriversInBounds(ctx context.Context, box models.BoundingBox) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if box.Contains(d.Location) {
			out = append(out, *d)
		}
	}
	return out, nil
}

// CurrentPricingRule returns the most recently created active rule covering at, or nil.
func (m *MemoryStore) CurrentPricingRule(ctx context.Context, at time.Time) (*models.PricingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.PricingRule
	for i := range m.rules {
		r := m.rules[i]
		if !r.CoversTime(at) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = &r
		}
	}
	return best, nil
}

func (m *MemoryStore) SavePricingRule(ctx context.Context, r *models.PricingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	for i := range m.rules {
		if m.rules[i].ID == r.ID {
			m.rules[i] = *r
			return nil
		}
	}
	m.rules = append(m.rules, *r)
	return nil
}

// FindSurgeArea returns the active area containing c with the highest multiplier, or nil.
func (m *MemoryStore) FindSurgeArea(ctx context.Context, c models.Coord) (*models.SurgeArea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.SurgeArea
	for _, a := range m.areas {
		a := a
		if !a.IsActive || geo.Haversine(a.Center, c) > a.RadiusKm {
			continue
		}
		if best == nil || a.Multiplier > best.Multiplier {
			best = &a
		}
	}
	return best, nil
}

func (m *MemoryStore) ListSurgeAreas(ctx context.Context, activeOnly bool) ([]models.SurgeArea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SurgeArea, 0, len(m.areas))
	for _, a := range m.areas {
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveSurgeArea(ctx context.Context, a *models.SurgeArea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.areas[a.ID] = *a
	return nil
}
