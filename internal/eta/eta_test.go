package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateSecondsUsesDefaultSpeed(t *testing.T) {
	from := models.Coord{Lat: 0, Lng: 0}
	to := models.Coord{Lat: 0, Lng: 0.01}
	got := EstimateSeconds(from, to, 0)
	want := EstimateSeconds(from, to, DefaultSpeedMps)
	if got != want {
		t.Fatalf("expected default speed, got %v want %v", got, want)
	}
	// ~1.11km at 8 m/s
	if math.Abs(got-139) > 2 {
		t.Fatalf("unexpected estimate %v", got)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	a, b := models.Coord{Lat: 1, Lng: 2}, models.Coord{Lat: 3, Lng: 4}
	c.Set(a, b, 42)
	if v, ok := c.Get(a, b); !ok || v != 42 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected expired entry")
	}
	if c.Len() != 0 {
		t.Fatal("expired entry not evicted")
	}
}

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestResolverCachesClientResult(t *testing.T) {
	cl := &stubClient{v: 300}
	r := &Resolver{Client: cl, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 1, Lng: 1}, models.Coord{Lat: 1.01, Lng: 1}
	for i := 0; i < 3; i++ {
		if v := r.Seconds(context.Background(), a, b); v != 300 {
			t.Fatalf("expected 300, got %v", v)
		}
	}
	if cl.calls != 1 {
		t.Fatalf("expected one client call, got %d", cl.calls)
	}
}

func TestResolverFallsBackOnClientError(t *testing.T) {
	cl := &stubClient{err: errors.New("down")}
	r := &Resolver{Client: cl, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 0.01}
	if got, want := r.Seconds(context.Background(), a, b), EstimateSeconds(a, b, 10); got != want {
		t.Fatalf("expected fallback %v, got %v", want, got)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.590000,12.970000;") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":512.5}]}`)
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	v, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 12.97, Lng: 77.59}, models.Coord{Lat: 12.93, Lng: 77.62})
	if err != nil {
		t.Fatal(err)
	}
	if v != 512.5 {
		t.Fatalf("expected 512.5, got %v", v)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1}); err == nil {
		t.Fatal("expected error")
	}
}
