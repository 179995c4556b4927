package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables (optionally via a
// .env file) with sane defaults so the binary can run locally without
// excessive setup. Every optional backend is disabled when its address is empty.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string
	KafkaGroup         string

	PGDSN         string
	RunMigrations bool

	AMQPURL      string
	AMQPExchange string
	PushEndpoint string
	PushKey      string

	JWTSecret string

	DefaultSpeedMps float64
	MatcherTopN     int
	SearchRadiusKm  float64
	OSRMEndpoint    string

	PendingTTL     time.Duration
	ExpiryInterval time.Duration

	Pricing PricingConfig

	LogLevel string
}

// PricingConfig mirrors the overridable fare heuristics.
type PricingConfig struct {
	AverageSpeedKmh    float64
	DemandWeight       float64
	DemandThreshold    float64
	DemandWindow       time.Duration
	PeakBase           float64
	DemandRadiusKm     float64
	MissingDriverRatio float64
	Timezone           string
	Currency           string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaEventsTopic:   "ride-events",
		KafkaGroup:         "ride-dispatch-consumer",
		AMQPExchange:       "notifications",
		DefaultSpeedMps:    8,
		MatcherTopN:        8,
		SearchRadiusKm:     5,
		PendingTTL:         10 * time.Minute,
		ExpiryInterval:     30 * time.Second,
		Pricing: PricingConfig{
			AverageSpeedKmh:    25,
			DemandWeight:       0.5,
			DemandThreshold:    1.5,
			DemandWindow:       30 * time.Minute,
			PeakBase:           1.2,
			DemandRadiusKm:     5,
			MissingDriverRatio: 2.0,
			Timezone:           "UTC",
			Currency:           "INR",
		},
		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.SearchRadiusKm, "DISPATCH_SEARCH_RADIUS_KM", &errs)
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))

	setDurationFromEnv(&cfg.PendingTTL, "RIDE_PENDING_TTL", &errs)
	setDurationFromEnv(&cfg.ExpiryInterval, "RIDE_EXPIRY_INTERVAL", &errs)

	p := &cfg.Pricing
	setFloatFromEnv(&p.AverageSpeedKmh, "PRICING_AVG_SPEED_KMH", &errs)
	setFloatFromEnv(&p.DemandWeight, "PRICING_DEMAND_WEIGHT", &errs)
	setFloatFromEnv(&p.DemandThreshold, "PRICING_DEMAND_THRESHOLD", &errs)
	setDurationFromEnv(&p.DemandWindow, "PRICING_DEMAND_WINDOW", &errs)
	setFloatFromEnv(&p.PeakBase, "PRICING_PEAK_BASE", &errs)
	setFloatFromEnv(&p.DemandRadiusKm, "PRICING_DEMAND_RADIUS_KM", &errs)
	setFloatFromEnv(&p.MissingDriverRatio, "PRICING_MISSING_DRIVER_RATIO", &errs)
	setStringFromEnv(&p.Timezone, "PRICING_TIMEZONE")
	setStringFromEnv(&p.Currency, "PRICING_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.PendingTTL < 0 {
		errs = append(errs, fmt.Errorf("RIDE_PENDING_TTL must be >= 0"))
	}
	if p.AverageSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("PRICING_AVG_SPEED_KMH must be > 0"))
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid PRICING_TIMEZONE: %w", err))
	}

	return cfg, errors.Join(errs...)
}

// Location resolves the pricing timezone. LoadServerConfig has already validated it.
func (p PricingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
