package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/models"
)

// amqpChannel is the part of *amqp.Channel the sink uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes persistent messages to a topic exchange with routing
// key progress.<event_type>.
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// DialAMQP connects to url and declares the durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 30 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	sink, err := newAMQPSink(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.conn = conn
	log.Info().Str("exchange", exchange).Msg("amqp sink ready")
	return sink, nil
}

func newAMQPSink(ch amqpChannel, exchange string) (*AMQPSink, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{channel: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// RoutingKey is the topic an event type is published under.
func RoutingKey(typ models.EventType) string {
	return "progress." + string(typ)
}

func (s *AMQPSink) Publish(ctx context.Context, ev models.ProgressEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.CreatedAt,
		Headers:      amqp.Table{"job_id": ev.JobID, "sequence": ev.Sequence},
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.channel.Close(); err != nil {
		return err
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
