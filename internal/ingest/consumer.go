package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// LocationApplier records a driver location sample.
type LocationApplier interface {
	UpdateDriverLocation(ctx context.Context, s models.LocationSample) (*models.Driver, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader   messageReader
	applier  LocationApplier
	logger   *zap.Logger
	attempts int
	delay    time.Duration
}

func NewConsumer(brokers []string, topic, group string, applier LocationApplier, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return newConsumer(r, applier, logger)
}

func newConsumer(r messageReader, applier LocationApplier, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: r, applier: applier, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially up
// to 30s.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("location_consumer_stopped")
				return nil
			}
			c.logger.Warn("kafka_read_failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	observability.IngestMessagesTotal.WithLabelValues("consumed").Inc()
	var s models.LocationSample
	if err := json.Unmarshal(m.Value, &s); err != nil {
		observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("location_message_invalid", zap.ByteString("key", m.Key), zap.Error(err))
		return
	}
	err := applyWithRetry(ctx, func(ctx context.Context) error {
		_, err := c.applier.UpdateDriverLocation(ctx, s)
		return err
	}, c.attempts, c.delay)
	switch {
	case err == nil:
		observability.IngestMessagesTotal.WithLabelValues("applied").Inc()
	case errors.Is(err, models.ErrValidation):
		observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("location_sample_rejected", zap.String("driver_id", s.DriverID), zap.Error(err))
	default:
		observability.IngestMessagesTotal.WithLabelValues("failed").Inc()
		c.logger.Error("location_apply_failed", zap.String("driver_id", s.DriverID), zap.Error(err))
	}
}

// applyWithRetry calls fn up to attempts times, doubling delay between tries.
// Validation and not-found errors are permanent and returned at once.
func applyWithRetry(ctx context.Context, fn func(context.Context) error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
