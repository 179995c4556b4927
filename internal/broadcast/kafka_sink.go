package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors every event to a Kafka topic keyed by channel, so events
// for one ride or driver stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka_event_write_failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaSink{writer: w, now: time.Now}
}

func (k *KafkaSink) Publish(ctx context.Context, channel, event string, payload any) error {
	b, err := json.Marshal(Envelope{Channel: channel, Event: event, Data: payload, SentAt: k.now().UTC()})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(channel),
		Value:   b,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event)}},
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
