package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the sender publishes through.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSender publishes notifications to a topic exchange with routing key
// "notify.<kind>".
type AMQPSender struct {
	exchange string
	conn     *amqp.Connection

	mu sync.Mutex
	ch Channel
}

// DialAMQP connects with retries and declares the exchange.
func DialAMQP(ctx context.Context, url, exchange string, logger *slog.Logger) (*AMQPSender, error) {
	const maxRetries = 5
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			ch, err := conn.Channel()
			if err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("open channel: %w", err)
			}
			s, err := NewAMQPSender(ch, exchange)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			s.conn = conn
			return s, nil
		}
		lastErr = err
		logger.Warn("amqp connect failed", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay = delay * 3 / 2
		}
	}
	return nil, fmt.Errorf("amqp: connect after %d attempts: %w", maxRetries, lastErr)
}

// NewAMQPSender declares exchange on ch.
func NewAMQPSender(ch Channel, exchange string) (*AMQPSender, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	return &AMQPSender{exchange: exchange, ch: ch}, nil
}

func (s *AMQPSender) Name() string { return "amqp" }

func (s *AMQPSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx, s.exchange, "notify."+string(n.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Body:         body,
	})
}

func (s *AMQPSender) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
