// ABOUTME: RabbitMQ publisher for inbox notifications using amqp091
// ABOUTME: Declares a durable topic exchange and publishes persistent JSON messages

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const maxDialDelay = 60 * time.Second

// DialOptions configure connection retries.
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// DialWithRetry connects to the broker with exponential backoff. It stops
// early when ctx is cancelled.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp.Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info("amqp connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := backoff(opts.Delay, i)
		logger.Warn("amqp dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connecting to amqp after %d attempts: %w", attempts, lastErr)
}

// backoff returns delay * 2^(attempt-1), capped.
func backoff(delay time.Duration, attempt int) time.Duration {
	sleep := time.Duration(float64(delay) * math.Pow(2, float64(attempt-1)))
	if sleep > maxDialDelay || sleep < 0 {
		sleep = maxDialDelay
	}
	return sleep
}

// AMQPPublisher publishes envelopes to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPPublisher declares the exchange on conn and returns a publisher
// that owns conn.
func NewAMQPPublisher(conn *amqp.Connection, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		return nil, errors.New("exchange is required")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "notify"),
		ch:       ch,
	}, nil
}

// Publish sends env as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		Body:          body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		// A failed channel is unusable; reopen it on the next publish.
		ch.Close()
		p.ch = nil
		return fmt.Errorf("publishing to %s: %w", p.exchange, err)
	}
	p.logger.Debug("published", "key", key, "exchange", p.exchange)
	return nil
}

// channel returns the open channel, reopening it if needed. Callers hold mu.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	return p.conn.Close()
}
