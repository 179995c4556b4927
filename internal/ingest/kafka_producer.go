// Package ingest moves driver location samples through Kafka: the producer
// side accepts samples from the API and the consumer applies them to the
// dispatch core.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

// PublishLocation keys samples by driver id so one driver's samples land on
// one partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, samples ...models.LocationSample) error {
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs := make([]kafka.Message, 0, len(samples))
	for _, s := range samples {
		b, err := json.Marshal(s)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(s.DriverID), Value: b})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
