package geo

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
)

// Backend is the subset of redis operations the geo mirror needs.
type Backend interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoSearchBox(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error)
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// DurableDriverStore is the source of truth RedisDriverStore mirrors.
type DurableDriverStore interface {
	DriverStore
	UpsertDriver(ctx context.Context, d *models.Driver) error
}

// RedisDriverStore answers bounding-box queries from a Redis GEO set while
// writes go to the durable store first and are mirrored afterwards.
type RedisDriverStore struct {
	base    DurableDriverStore
	backend Backend
	key     string
	logger  *zap.Logger
}

func NewRedisDriverStore(base DurableDriverStore, backend Backend, key string, logger *zap.Logger) *RedisDriverStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDriverStore{base: base, backend: backend, key: key, logger: logger}
}

func (r *RedisDriverStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return r.base.GetDriver(ctx, id)
}

func (r *RedisDriverStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	if err := r.base.UpsertDriver(ctx, d); err != nil {
		return err
	}
	r.mirror(ctx, d)
	return nil
}

func (r *RedisDriverStore) UpdateDriver(ctx context.Context, id string, patch models.DriverPatch) (*models.Driver, error) {
	d, err := r.base.UpdateDriver(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	r.mirror(ctx, d)
	return d, nil
}

// FindDriversInBounds uses GEOSEARCH BYBOX centred on the box midpoint.
func (r *RedisDriverStore) FindDriversInBounds(ctx context.Context, box models.BoundingBox) ([]models.Driver, error) {
	center := models.Coord{Lat: (box.MinLat + box.MaxLat) / 2, Lng: (box.MinLng + box.MaxLng) / 2}
	height := (box.MaxLat - box.MinLat) * kmPerDegree
	width := (box.MaxLng - box.MinLng) * kmPerDegree * math.Cos(toRad(center.Lat))
	res, err := r.backend.GeoSearchBox(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude: center.Lng,
			Latitude:  center.Lat,
			BoxWidth:  math.Max(width, 0.001),
			BoxHeight: math.Max(height, 0.001),
			BoxUnit:   "km",
			Sort:      "ASC",
		},
		WithCoord: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		loc := models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		if !box.Contains(loc) {
			continue
		}
		meta, err := r.backend.HGetAll(ctx, metaKey(g.Name))
		if err != nil {
			return nil, err
		}
		if len(meta) == 0 {
			continue
		}
		d := driverFromMeta(g.Name, meta)
		d.Location = loc
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisDriverStore) mirror(ctx context.Context, d *models.Driver) {
	err := r.backend.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: d.ID, Longitude: d.Location.Lng, Latitude: d.Location.Lat})
	if err == nil {
		err = r.backend.HSet(ctx, metaKey(d.ID), metaFromDriver(d))
	}
	if err != nil {
		r.logger.Warn("redis_geo_mirror_failed", zap.String("driver_id", d.ID), zap.Error(err))
	}
}

func metaKey(id string) string { return "driver:meta:" + id }

func metaFromDriver(d *models.Driver) map[string]interface{} {
	m := map[string]interface{}{
		"user_id":        d.UserID,
		"vehicle_type":   string(d.Vehicle.Type),
		"plate":          d.Vehicle.Plate,
		"online":         strconv.FormatBool(d.IsOnline),
		"verified":       strconv.FormatBool(d.IsVerified),
		"active":         strconv.FormatBool(d.IsActive),
		"rating":         strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"total_rides":    strconv.Itoa(d.TotalRides),
		"total_earnings": strconv.FormatFloat(d.TotalEarnings, 'f', 2, 64),
	}
	if d.LastActiveAt != nil {
		m["last_active_at"] = d.LastActiveAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id, UserID: m["user_id"]}
	d.Vehicle.Type = models.VehicleType(m["vehicle_type"])
	d.Vehicle.Plate = m["plate"]
	d.IsOnline = m["online"] == "true"
	d.IsVerified = m["verified"] == "true"
	d.IsActive = m["active"] == "true"
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = f
	}
	if n, err := strconv.Atoi(m["total_rides"]); err == nil {
		d.TotalRides = n
	}
	if f, err := strconv.ParseFloat(m["total_earnings"], 64); err == nil {
		d.TotalEarnings = f
	}
	if t, err := time.Parse(time.RFC3339Nano, m["last_active_at"]); err == nil {
		d.LastActiveAt = &t
	}
	return d
}

// ClientBackend adapts a go-redis client to Backend.
type ClientBackend struct{ C *redis.Client }

func NewClientBackend(addr, password string) *ClientBackend {
	return &ClientBackend{C: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func (b *ClientBackend) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return b.C.GeoAdd(ctx, key, loc).Err()
}

func (b *ClientBackend) GeoSearchBox(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error) {
	return b.C.GeoSearchLocation(ctx, key, q).Result()
}

func (b *ClientBackend) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return b.C.HSet(ctx, key, values).Err()
}

func (b *ClientBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.C.HGetAll(ctx, key).Result()
}

func (b *ClientBackend) Ping(ctx context.Context) error { return b.C.Ping(ctx).Err() }

func (b *ClientBackend) Close() error { return b.C.Close() }
