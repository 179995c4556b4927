package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

type captureLocations struct {
	mu  sync.Mutex
	got []models.LocationSample
}

func (c *captureLocations) PublishLocation(_ context.Context, samples ...models.LocationSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, samples...)
	return nil
}

func newTestCoordinator(t *testing.T) (*dispatch.Coordinator, *storage.MemoryStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStore()
	loc := geo.NewLocator(store, logger)
	return dispatch.NewCoordinator(dispatch.Deps{
		Store:     store,
		Locator:   loc,
		Pricer:    pricing.NewCalculator(store, store, loc, pricing.DefaultConfig(), logger),
		Lifecycle: lifecycle.New(store),
		Ranker:    matcher.New(nil, 3),
		Publisher: broadcast.NewFanout(logger),
		Notifier:  notify.NewLogNotifier(logger),
	}, dispatch.Config{SearchRadiusKm: 5}, logger), store
}

func newTestServer(t *testing.T, opts Options) (*Server, *dispatch.Coordinator) {
	t.Helper()
	c, _ := newTestCoordinator(t)
	opts.Dispatch = c
	opts.Logger = zaptest.NewLogger(t)
	return NewServer(opts), c
}

func do(t *testing.T, s *Server, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doAs(t, s, method, path, user, "", body)
}

func doAs(t *testing.T, s *Server, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func registerDriver(t *testing.T, s *Server, id string, at models.Coord) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/internal/drivers", "", models.Driver{
		ID:         id,
		Vehicle:    models.Vehicle{Make: "Honda", Model: "City", Plate: "KA-" + id, Type: models.VehicleEconomy},
		IsOnline:   true,
		IsVerified: true,
		IsActive:   true,
		Location:   at,
		Rating:     4.5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", id, rec.Code, rec.Body.String())
	}
}

var rideBody = map[string]any{
	"pickup":       map[string]any{"lat": 12.9716, "lng": 77.5946, "address": "MG Road"},
	"drop":         map[string]any{"lat": 12.9352, "lng": 77.6245, "address": "Koramangala"},
	"vehicle_type": "economy",
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestRequiresIdentity(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodPost, "/api/v1/rides", "", rideBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 got %d", rec.Code)
	}
	if got := decode[errorBody](t, rec); got.Error != "unauthorized" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestCreateAssignAndConflict(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	registerDriver(t, s, "d1", models.Coord{Lat: 12.9720, Lng: 77.5950})
	registerDriver(t, s, "d2", models.Coord{Lat: 12.9730, Lng: 77.5960})

	rec := do(t, s, http.MethodPost, "/api/v1/rides", "p1", rideBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	ride := decode[models.Ride](t, rec)
	if ride.PassengerID != "p1" || ride.Status != models.StatusPending || ride.Fare.TotalFare <= 0 {
		t.Fatalf("unexpected ride %+v", ride)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/assign", "d1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Ride](t, rec); got.DriverID != "d1" || got.Status != models.StatusDriverAssigned {
		t.Fatalf("unexpected assigned ride %+v", got)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/assign", "d2", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409 got %d", rec.Code)
	}
	if got := decode[errorBody](t, rec); got.Error != "ride_taken" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestStatusFlowAndInvalidTransition(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	registerDriver(t, s, "d1", models.Coord{Lat: 12.9720, Lng: 77.5950})
	ride := decode[models.Ride](t, do(t, s, http.MethodPost, "/api/v1/rides", "p1", rideBody))

	rec := do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/status", "d1", map[string]string{"status": "RIDE_STARTED"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409 got %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[errorBody](t, rec); got.Error != "invalid_transition" {
		t.Fatalf("unexpected body %+v", got)
	}

	for _, st := range []string{"DRIVER_ASSIGNED", "DRIVER_ARRIVED", "RIDE_STARTED", "RIDE_COMPLETED"} {
		rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/status", "d1", map[string]string{"status": st})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", st, rec.Code, rec.Body.String())
		}
	}
	if got := decode[models.Ride](t, rec); got.Status != models.StatusRideCompleted {
		t.Fatalf("unexpected final ride %+v", got)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", "p1", map[string]string{"reason": "late"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after completion: want 409 got %d", rec.Code)
	}
}

func TestRideActionsRequireOwnership(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	registerDriver(t, s, "d1", models.Coord{Lat: 12.9720, Lng: 77.5950})
	registerDriver(t, s, "d2", models.Coord{Lat: 12.9730, Lng: 77.5960})
	ride := decode[models.Ride](t, do(t, s, http.MethodPost, "/api/v1/rides", "p1", rideBody))
	path := "/api/v1/rides/" + ride.ID

	rec := do(t, s, http.MethodPost, path+"/assign", "p2", map[string]string{"driver_id": "d1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("assigning another driver: want 403 got %d %s", rec.Code, rec.Body.String())
	}
	rec = doAs(t, s, http.MethodPost, path+"/assign", "ops", "dispatcher", map[string]string{"driver_id": "d1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatcher assign: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Ride](t, rec); got.DriverID != "d1" {
		t.Fatalf("unexpected assigned ride %+v", got)
	}

	for _, user := range []string{"d2", "p1", "p2"} {
		rec = do(t, s, http.MethodPost, path+"/status", user, map[string]string{"status": "DRIVER_ARRIVED"})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s advancing: want 403 got %d %s", user, rec.Code, rec.Body.String())
		}
	}
	rec = do(t, s, http.MethodPost, path+"/cancel", "p2", map[string]string{"reason": "prank"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger cancelling: want 403 got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, path+"/status", "d1", map[string]string{"status": "DRIVER_ARRIVED"})
	if rec.Code != http.StatusOK {
		t.Fatalf("assigned driver advancing: %d %s", rec.Code, rec.Body.String())
	}
	rec = doAs(t, s, http.MethodPost, path+"/status", "ops", "admin", map[string]string{"status": "RIDE_STARTED"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin advancing: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, path+"/cancel", "p1", map[string]string{"reason": "changed plans"})
	if rec.Code != http.StatusOK {
		t.Fatalf("passenger cancelling: %d %s", rec.Code, rec.Body.String())
	}
}

func TestValidationAndNotFound(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad vehicle", http.MethodPost, "/api/v1/rides", map[string]any{"pickup": rideBody["pickup"], "drop": rideBody["drop"], "vehicle_type": "rocket"}, 400, "validation_error"},
		{"bad latitude", http.MethodPost, "/api/v1/fares/quote", map[string]any{"pickup": map[string]float64{"lat": 91, "lng": 0}, "drop": map[string]float64{"lat": 0, "lng": 0}, "vehicle_type": "economy"}, 400, "validation_error"},
		{"unknown ride", http.MethodGet, "/api/v1/rides/nope", nil, 404, "not_found"},
		{"bad status", http.MethodPost, "/api/v1/rides/nope/status", map[string]string{"status": "FLYING"}, 400, "validation_error"},
		{"nearby without lat", http.MethodGet, "/api/v1/drivers/nearby?lng=77.5", nil, 400, "validation_error"},
		{"bad limit", http.MethodGet, "/api/v1/rides?limit=ten", nil, 400, "validation_error"},
		{"earnings of someone else", http.MethodGet, "/api/v1/drivers/d9/earnings", nil, 403, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.path, "u1", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("want %d got %d %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := decode[errorBody](t, rec); got.Error != tc.code {
				t.Fatalf("want code %s got %+v", tc.code, got)
			}
		})
	}
}

func TestQuoteAndPricing(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodPost, "/api/v1/fares/quote", "p1", map[string]any{
		"pickup":       map[string]float64{"lat": 12.9716, "lng": 77.5946},
		"drop":         map[string]float64{"lat": 12.9352, "lng": 77.6245},
		"vehicle_type": "premium",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", rec.Code, rec.Body.String())
	}
	fare := decode[models.FareBreakdown](t, rec)
	if fare.TotalFare <= 0 || fare.Currency == "" {
		t.Fatalf("unexpected fare %+v", fare)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/pricing/current", "p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("current rule: %d", rec.Code)
	}
}

func TestListRidesPagination(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	for i := 0; i < 3; i++ {
		if rec := do(t, s, http.MethodPost, "/api/v1/rides", "p1", rideBody); rec.Code != http.StatusCreated {
			t.Fatalf("create: %d", rec.Code)
		}
	}
	do(t, s, http.MethodPost, "/api/v1/rides", "p2", rideBody)

	rec := do(t, s, http.MethodGet, "/api/v1/rides?limit=2&offset=0&role=passenger", "p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	page := decode[dispatch.RidePage](t, rec)
	if page.Total != 3 || len(page.Rides) != 2 || page.Limit != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestDriverLocationAndNearby(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	registerDriver(t, s, "d1", models.Coord{Lat: 12.9720, Lng: 77.5950})

	rec := do(t, s, http.MethodPost, "/api/v1/drivers/location", "d1", map[string]float64{"lat": 12.9800, "lng": 77.6000})
	if rec.Code != http.StatusOK {
		t.Fatalf("location: %d %s", rec.Code, rec.Body.String())
	}
	if d := decode[models.Driver](t, rec); d.Location.Lat != 12.98 {
		t.Fatalf("location not applied %+v", d)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/drivers/nearby?lat=12.98&lng=77.60&radius_km=2", "p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby: %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["count"] != float64(1) {
		t.Fatalf("unexpected nearby %+v", got)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/drivers/online", "d1", map[string]bool{"online": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("offline: %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/v1/drivers/nearby?lat=12.98&lng=77.60&radius_km=2", "p1", nil)
	if got := decode[map[string]any](t, rec); got["count"] != float64(0) {
		t.Fatalf("offline driver still listed %+v", got)
	}
}

func TestLocationBatchInline(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	registerDriver(t, s, "d1", models.Coord{Lat: 12.9720, Lng: 77.5950})

	rec := do(t, s, http.MethodPost, "/internal/driver/locations", "", []models.LocationSample{
		{DriverID: "d1", Lat: 12.99, Lng: 77.61},
		{DriverID: "ghost", Lat: 12.99, Lng: 77.61},
		{DriverID: "d1", Lat: 95, Lng: 77.61},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("batch: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[batchResult](t, rec)
	if res.Accepted != 1 || res.Rejected != 2 || res.Queued {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLocationBatchQueued(t *testing.T) {
	q := &captureLocations{}
	s, _ := newTestServer(t, Options{Locations: q})

	rec := do(t, s, http.MethodPost, "/internal/driver/locations", "", []models.LocationSample{
		{DriverID: "d1", Lat: 12.99, Lng: 77.61},
		{DriverID: "", Lat: 12.99, Lng: 77.61},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("batch: %d", rec.Code)
	}
	res := decode[batchResult](t, rec)
	if res.Accepted != 1 || res.Rejected != 1 || !res.Queued {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(q.got) != 1 || q.got[0].DriverID != "d1" {
		t.Fatalf("unexpected queued samples %+v", q.got)
	}
}

func TestJWTAuthentication(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	s, _ := newTestServer(t, Options{Auth: auth})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pricing/current", nil)
	req.Header.Set("X-User-ID", "p1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("header identity must be ignored with a secret, got %d", rec.Code)
	}

	token, err := auth.Issue("p1", "passenger", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/pricing/current", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d", rec.Code)
	}

	expired, _ := auth.Issue("p1", "passenger", -time.Minute)
	if _, err := auth.Validate(expired); err == nil {
		t.Fatal("expired token accepted")
	}
	other, _ := NewAuthenticator("other").Issue("p1", "passenger", time.Minute)
	if _, err := auth.Validate(other); err == nil {
		t.Fatal("token with foreign signature accepted")
	}
}

func TestChannelAuthorizer(t *testing.T) {
	c, store := newTestCoordinator(t)
	s := NewServer(Options{Dispatch: c, Logger: zaptest.NewLogger(t)})
	registerDriver(t, s, "d1", models.Coord{Lat: 12.9720, Lng: 77.5950})
	ride := decode[models.Ride](t, do(t, s, http.MethodPost, "/api/v1/rides", "p1", rideBody))
	authz := ChannelAuthorizer(store)
	ctx := context.Background()

	cases := []struct {
		user, channel string
		want          bool
	}{
		{"p1", broadcast.RideChannel(ride.ID), true},
		{"p2", broadcast.RideChannel(ride.ID), false},
		{"d1", broadcast.RideChannel(ride.ID), false},
		{"d1", broadcast.DriverChannel("d1"), true},
		{"d2", broadcast.DriverChannel("d1"), false},
		{"p1", broadcast.RideChannel("missing"), false},
		{"d1", broadcast.PoolChannel("economy"), true},
		{"d1", broadcast.PoolChannel("premium"), false},
		{"p1", broadcast.PoolChannel("economy"), false},
		{"p1", "lobby", false},
	}
	for _, tc := range cases {
		if got := authz(ctx, tc.user, tc.channel); got != tc.want {
			t.Errorf("%s on %s: want %v got %v", tc.user, tc.channel, tc.want, got)
		}
	}

	if _, err := c.AssignDriver(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if !authz(ctx, "d1", broadcast.RideChannel(ride.ID)) {
		t.Fatal("assigned driver should join the ride channel")
	}
}

func TestWebsocketDisabled(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/ws", "p1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 got %d", rec.Code)
	}
}
