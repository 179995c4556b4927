package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const etaCacheTTL = 2 * time.Minute

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "ride-dispatch")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server_exited", zap.Error(err))
	}
}

// mirroredStore routes driver reads and writes through the Redis GEO mirror
// and everything else to the durable store.
type mirroredStore struct {
	storage.Store
	drivers *geo.RedisDriverStore
}

func (m mirroredStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	return m.drivers.UpsertDriver(ctx, d)
}

func (m mirroredStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return m.drivers.GetDriver(ctx, id)
}

func (m mirroredStore) UpdateDriver(ctx context.Context, id string, patch models.DriverPatch) (*models.Driver, error) {
	return m.drivers.UpdateDriver(ctx, id, patch)
}

func (m mirroredStore) FindDriversInBounds(ctx context.Context, box models.BoundingBox) ([]models.Driver, error) {
	return m.drivers.FindDriversInBounds(ctx, box)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("store_in_memory", zap.String("reason", "PG_DSN not set"))
		return storage.NewMemoryStore(), func() {}, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(pg.DB()); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("migrations_applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	durable, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var store storage.Store = durable
	readiness := []func(context.Context) error{durable.Ping}
	if cfg.RedisAddr != "" {
		backend := geo.NewClientBackend(cfg.RedisAddr, cfg.RedisPassword)
		defer backend.Close()
		store = mirroredStore{Store: durable, drivers: geo.NewRedisDriverStore(durable, backend, cfg.RedisGeoKey, logger)}
		readiness = append(readiness, backend.Ping)
		logger.Info("redis_geo_enabled", zap.String("addr", cfg.RedisAddr), zap.String("key", cfg.RedisGeoKey))
	}

	locator := geo.NewLocator(store, logger)
	pcfg := pricing.DefaultConfig()
	pcfg.AverageSpeedKmh = cfg.Pricing.AverageSpeedKmh
	pcfg.DemandWeight = cfg.Pricing.DemandWeight
	pcfg.DemandThreshold = cfg.Pricing.DemandThreshold
	pcfg.DemandWindow = cfg.Pricing.DemandWindow
	pcfg.PeakBase = cfg.Pricing.PeakBase
	pcfg.DemandRadiusKm = cfg.Pricing.DemandRadiusKm
	pcfg.MissingDriverRatio = cfg.Pricing.MissingDriverRatio
	pcfg.Location = cfg.Pricing.Location()
	pcfg.Currency = cfg.Pricing.Currency
	pricer := pricing.NewCalculator(store, store, locator, pcfg, logger)

	resolver := &eta.Resolver{Cache: eta.NewCache(etaCacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		resolver.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	hub := broadcast.NewHub(logger, httpapi.ChannelAuthorizer(store))
	publishers := []broadcast.Publisher{hub}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaEventsTopic != "" {
		sink := broadcast.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		defer sink.Close()
		publishers = append(publishers, sink)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.AMQPURL != "" {
		amqpNotifier, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer amqpNotifier.Close()
		notifiers = append(notifiers, amqpNotifier)
	}
	if cfg.PushEndpoint != "" {
		notifiers = append(notifiers, notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey))
	}
	notifier := notify.NewAsync(notifiers, 4, 512, logger)
	defer notifier.Close()

	coord := dispatch.NewCoordinator(dispatch.Deps{
		Store:     store,
		Locator:   locator,
		Pricer:    pricer,
		Lifecycle: lifecycle.New(store),
		Ranker:    matcher.New(resolver, cfg.MatcherTopN),
		ETA:       resolver,
		Publisher: broadcast.NewFanout(logger, publishers...),
		Notifier:  notifier,
	}, dispatch.Config{SearchRadiusKm: cfg.SearchRadiusKm}, logger)

	// Workers are stopped and awaited before the notifier closes.
	bgCtx, stopBackground := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		stopBackground()
		workers.Wait()
	}()

	if exp := dispatch.NewExpirer(coord, cfg.PendingTTL, cfg.ExpiryInterval, logger); exp != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			exp.Run(bgCtx)
		}()
	}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
		locations = producer
		consumer := ingest.NewConsumer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup, coord, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := consumer.Run(bgCtx); err != nil {
				logger.Error("location_consumer_failed", zap.Error(err))
			}
		}()
		logger.Info("kafka_enabled", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	api := httpapi.NewServer(httpapi.Options{
		Dispatch:  coord,
		Sessions:  hub,
		Locations: locations,
		Auth:      httpapi.NewAuthenticator(cfg.JWTSecret),
		Ready: func(ctx context.Context) error {
			for _, check := range readiness {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("auth_header_mode", zap.String("reason", "JWT_SECRET not set; trusting X-User-ID"))
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride_dispatch_listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
