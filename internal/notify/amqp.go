package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
)

const routingPrefix = "notify.ride."

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes notification jobs to a topic exchange for the
// delivery workers to pick up.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	now      func() time.Time
}

type message struct {
	Kind    string       `json:"kind"`
	Ride    *models.Ride `json:"ride,omitempty"`
	Message string       `json:"message,omitempty"`
	Receipt *Receipt     `json:"receipt,omitempty"`
	SentAt  time.Time    `json:"sent_at"`
}

func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

func (n *AMQPNotifier) publish(ctx context.Context, m message) error {
	m.SentAt = n.now().UTC()
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return n.ch.PublishWithContext(ctx, n.exchange, routingPrefix+m.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    m.SentAt,
	})
}

func (n *AMQPNotifier) SendRideConfirmation(ctx context.Context, r *models.Ride) error {
	return n.publish(ctx, message{Kind: KindConfirmation, Ride: r})
}

func (n *AMQPNotifier) SendRideUpdate(ctx context.Context, r *models.Ride, msg string) error {
	return n.publish(ctx, message{Kind: KindUpdate, Ride: r, Message: msg})
}

func (n *AMQPNotifier) SendReceipt(ctx context.Context, rc Receipt) error {
	return n.publish(ctx, message{Kind: KindReceipt, Receipt: &rc})
}

func (n *AMQPNotifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
