package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const exchangeType = "topic"

// Publisher publishes domain events onto the topic exchange. Unlike the
// fire-and-forget publisher this is grounded on, Publish returns an error:
// SPEC_FULL.md §4.5/§7 require create/accept-path publish failures to fail
// the initiating operation, so the caller needs to observe them.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher dials RabbitMQ, opens a channel, and declares the durable
// topic exchange used for every topic in SPEC_FULL.md §6.
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: declare exchange: %w", err)
	}

	log.Info().Str("exchange", exchange).Str("type", exchangeType).Msg("event bus exchange declared")

	return &Publisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish serializes payload and publishes it as a persistent message under
// the given topic's routing key, stamping a fresh event id as the message's
// broker-level MessageId so consumers can de-duplicate at-least-once
// delivery against the idempotency ledger (SPEC_FULL.md §4.5, §11).
func (p *Publisher) Publish(ctx context.Context, topic Topic, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s: %w", topic, err)
	}

	eventID := uuid.New().String()

	err = p.channel.PublishWithContext(ctx, p.exchange, string(topic), false, false, amqp.Publishing{
		MessageId:    eventID,
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Str("topic", string(topic)).Str("event_id", eventID).Msg("failed to publish event")
		return fmt.Errorf("eventbus: publish %s: %w", topic, err)
	}

	log.Debug().Str("topic", string(topic)).Str("event_id", eventID).Msg("event published")
	return nil
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event bus channel")
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Handler processes one delivered event, keyed by its broker-assigned
// message id so callers can de-duplicate at-least-once delivery against the
// idempotency ledger. A non-nil error causes a requeue-nack; consumers must
// therefore be idempotent (SPEC_FULL.md §4.5).
type Handler func(ctx context.Context, eventID string, topic Topic, body []byte) error

// Consumer subscribes a queue to a fixed set of topics on the shared
// exchange and dispatches deliveries to a Handler with manual ack/nack.
//
// Grounded on CarPooling bookings-api's TripsConsumer: durable queue, topic
// bindings, QoS prefetch, manual ack with nack-and-requeue on handler error.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	exchange string
}

// NewConsumer dials RabbitMQ, declares the exchange and a durable queue
// named queueName, binds it to every topic in topics, and sets the given
// prefetch count.
func NewConsumer(url, exchange, queueName string, topics []Topic, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: declare exchange: %w", err)
	}

	queue, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: declare queue: %w", err)
	}

	for _, topic := range topics {
		if err := ch.QueueBind(queue.Name, string(topic), exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("eventbus: bind queue for %s: %w", topic, err)
		}
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: set qos: %w", err)
	}

	log.Info().Str("exchange", exchange).Str("queue", queueName).Int("prefetch", prefetch).Msg("event bus consumer initialized")

	return &Consumer{conn: conn, channel: ch, queue: queue.Name, exchange: exchange}, nil
}

// Start consumes messages until ctx is cancelled, dispatching each delivery
// to handle and ack/nack accordingly.
func (c *Consumer) Start(ctx context.Context, handle Handler) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("eventbus: start consuming: %w", err)
	}

	log.Info().Str("queue", c.queue).Msg("event bus consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("eventbus: delivery channel closed")
			}
			c.handleDelivery(ctx, handle, msg)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, handle Handler, msg amqp.Delivery) {
	topic := Topic(msg.RoutingKey)
	if err := handle(ctx, msg.MessageId, topic, msg.Body); err != nil {
		log.Error().Err(err).Str("topic", string(topic)).Str("event_id", msg.MessageId).Msg("handler failed, requeueing")
		_ = msg.Nack(false, true)
		return
	}
	if err := msg.Ack(false); err != nil {
		log.Error().Err(err).Str("topic", string(topic)).Msg("failed to ack delivery")
	}
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event bus consumer channel")
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
