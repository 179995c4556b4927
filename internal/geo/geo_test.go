package geo

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeDriverStore scans every driver; good enough for unit tests.
type fakeDriverStore struct {
	mu      sync.Mutex
	drivers map[string]models.Driver
	boxes   []models.BoundingBox
}

func newFakeDriverStore(ds ...models.Driver) *fakeDriverStore {
	f := &fakeDriverStore{drivers: make(map[string]models.Driver)}
	for _, d := range ds {
		f.drivers[d.ID] = d
	}
	return f
}

func (f *fakeDriverStore) FindDriversInBounds(ctx context.Context, box models.BoundingBox) ([]models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boxes = append(f.boxes, box)
	var out []models.Driver
	for _, d := range f.drivers {
		if box.Contains(d.Location) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDriverStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &d, nil
}

func (f *fakeDriverStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers[d.ID] = *d
	return nil
}

func (f *fakeDriverStore) UpdateDriver(ctx context.Context, id string, patch models.DriverPatch) (*models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	patch.Apply(&d)
	f.drivers[id] = d
	return &d, nil
}

func eligible(id string, lat, lng float64) models.Driver {
	return models.Driver{ID: id, IsOnline: true, IsVerified: true, IsActive: true, Rating: 4.5, Location: models.Coord{Lat: lat, Lng: lng}}
}

func TestHaversineZero(t *testing.T) {
	p := models.Coord{Lat: 12.97, Lng: 77.59}
	if d := Haversine(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistances(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Coord
		want float64
		tol  float64
	}{
		{"delhi to noida", models.Coord{Lat: 28.6139, Lng: 77.2090}, models.Coord{Lat: 28.5355, Lng: 77.3910}, 19.795, 0.01},
		{"one degree of latitude", models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 1, Lng: 0}, 111.19, 0.05},
		{"symmetric", models.Coord{Lat: 28.5355, Lng: 77.3910}, models.Coord{Lat: 28.6139, Lng: 77.2090}, 19.795, 0.01},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Haversine(tc.a, tc.b)
			if math.Abs(got-tc.want) > tc.tol {
				t.Fatalf("got %.4f want %.4f±%.2f", got, tc.want, tc.tol)
			}
		})
	}
}

func TestBoundsContainsCircle(t *testing.T) {
	center := models.Coord{Lat: 28.6, Lng: 77.2}
	box := Bounds(center, 5)
	for _, bearing := range []float64{0, 45, 90, 135, 180, 225, 270, 315} {
		// a point ~4.99km away along the bearing
		rad := bearing * math.Pi / 180
		p := models.Coord{
			Lat: center.Lat + (4.99/kmPerDegree)*math.Cos(rad),
			Lng: center.Lng + (4.99/(kmPerDegree*math.Cos(toRad(center.Lat))))*math.Sin(rad),
		}
		if !box.Contains(p) {
			t.Fatalf("box %+v misses point at bearing %.0f: %+v", box, bearing, p)
		}
	}
}

func TestBoundsClampsNearPole(t *testing.T) {
	box := Bounds(models.Coord{Lat: 89.99, Lng: 10}, 50)
	if box.MaxLat != 90 || box.MinLng != -180 || box.MaxLng != 180 {
		t.Fatalf("expected clamped box, got %+v", box)
	}
}

func TestNearbyFiltersAndSorts(t *testing.T) {
	offline := eligible("offline", 28.6140, 77.2091)
	offline.IsOnline = false
	unverified := eligible("unverified", 28.6140, 77.2091)
	unverified.IsVerified = false
	inactive := eligible("inactive", 28.6140, 77.2091)
	inactive.IsActive = false

	store := newFakeDriverStore(
		eligible("far", 28.6300, 77.2090),     // ~1.8km
		eligible("near", 28.6145, 77.2090),    // ~0.07km
		eligible("mid", 28.6200, 77.2090),     // ~0.7km
		eligible("outside", 28.7000, 77.2090), // ~9.6km
		offline, unverified, inactive,
	)
	loc := NewLocator(store, nil)

	got, err := loc.Nearby(context.Background(), models.Coord{Lat: 28.6139, Lng: 77.2090}, 5)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	var ids []string
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	want := []string{"near", "mid", "far"}
	if len(ids) != len(want) {
		t.Fatalf("got %v want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v want %v", ids, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistanceKm < got[i-1].DistanceKm {
			t.Fatalf("not sorted by distance: %+v", got)
		}
	}
	if len(store.boxes) != 1 {
		t.Fatalf("expected a single bounding box query, got %d", len(store.boxes))
	}
}

func TestNearbyRejectsBadInput(t *testing.T) {
	loc := NewLocator(newFakeDriverStore(), nil)
	if _, err := loc.Nearby(context.Background(), models.Coord{Lat: 91, Lng: 0}, 5); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := loc.Nearby(context.Background(), models.Coord{Lat: 0, Lng: 0}, 0); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for radius, got %v", err)
	}
}

func TestRecordLocationOverwrites(t *testing.T) {
	store := newFakeDriverStore(eligible("d1", 0, 0))
	loc := NewLocator(store, nil)
	heading := 90.0
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d, err := loc.RecordLocation(context.Background(), models.LocationSample{DriverID: "d1", Lat: 1.5, Lng: 2.5, Heading: &heading, Timestamp: ts})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d.Location != (models.Coord{Lat: 1.5, Lng: 2.5}) {
		t.Fatalf("location not overwritten: %+v", d.Location)
	}
	if d.LastActiveAt == nil || !d.LastActiveAt.Equal(ts) {
		t.Fatalf("lastActiveAt not set: %v", d.LastActiveAt)
	}
	if d.Heading == nil || *d.Heading != 90 {
		t.Fatalf("heading not stored: %v", d.Heading)
	}

	if _, err := loc.RecordLocation(context.Background(), models.LocationSample{DriverID: "ghost", Lat: 1, Lng: 1}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	bad := 400.0
	if _, err := loc.RecordLocation(context.Background(), models.LocationSample{DriverID: "d1", Lat: 1, Lng: 1, Heading: &bad}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSetOnline(t *testing.T) {
	store := newFakeDriverStore(eligible("d1", 0, 0))
	loc := NewLocator(store, nil)
	before, after, err := loc.SetOnline(context.Background(), "d1", false)
	if err != nil {
		t.Fatalf("set online: %v", err)
	}
	if !before.IsOnline || after.IsOnline {
		t.Fatalf("unexpected before/after: %v/%v", before.IsOnline, after.IsOnline)
	}
	got, _ := loc.Nearby(context.Background(), models.Coord{}, 1)
	if len(got) != 0 {
		t.Fatalf("offline driver should not be nearby: %+v", got)
	}
}
