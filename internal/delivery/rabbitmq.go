// ABOUTME: RabbitMQ publisher for outbound messages, one durable queue per channel
// ABOUTME: Queue names follow <prefix>.outbound.<channel>

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes outbound messages to the default exchange.
type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefix   string
	declared map[string]bool
	logger   *slog.Logger
}

// NewRabbitMQ dials url and opens a channel.
func NewRabbitMQ(url, prefix string, logger *slog.Logger) (*RabbitMQ, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "handoff"
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	logger = logger.With("component", "rabbitmq")
	logger.Info("RabbitMQ connection established", "prefix", prefix)

	return &RabbitMQ{
		conn:     conn,
		ch:       ch,
		prefix:   prefix,
		declared: make(map[string]bool),
		logger:   logger,
	}, nil
}

// QueueName returns the queue used for a channel.
func QueueName(prefix, channel string) string {
	return prefix + ".outbound." + channel
}

func (r *RabbitMQ) Name() string { return "rabbitmq" }

// Publish declares the channel's queue on first use and publishes a persistent message.
func (r *RabbitMQ) Publish(ctx context.Context, out *Outbound) error {
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}
	queue := QueueName(r.prefix, out.Channel)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.declared[queue] {
		_, err := r.ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("declaring queue %s: %w", queue, err)
		}
		r.declared[queue] = true
	}

	err = r.ch.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    out.MessageID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// Close closes the channel and connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ch.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}

var _ Publisher = (*RabbitMQ)(nil)
