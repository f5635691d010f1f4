package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "circulation.events"
	exchangeType = "topic"

	// Event types double as routing keys on the topic exchange
	EventTypeLoanOverdue    = "loan.overdue"
	EventTypeLoanReturned   = "loan.returned"
	EventTypeOrderFulfilled = "order.fulfilled"
	EventTypeOrderDeclined  = "order.declined"
	EventTypeOrderExpired   = "order.expired"
	EventTypeOrderCancelled = "order.cancelled"

	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	confirmTimeout = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink accepts domain events for delivery to downstream consumers. The
// notification and fulfilment services subscribe on the other side.
type Sink interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{}) error
	IsHealthy() bool
}

// Event represents a domain event
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	EventVersion  string                 `json:"event_version"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

// Publisher handles event publishing to RabbitMQ
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	if err := channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Enable publisher confirms for reliability
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))

	return &Publisher{
		conn:    conn,
		channel: channel,
		log:     log,
	}, nil
}

// Publish wraps the payload in an event envelope and delivers it to the
// exchange, using the event type as the routing key
func (p *Publisher) Publish(ctx context.Context, eventType string, payload map[string]interface{}) error {
	event := Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: "1.0.0",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Payload:      payload,
	}

	// Extract correlation ID from context if available
	if corrID := ctx.Value("correlation_id"); corrID != nil {
		event.CorrelationID = corrID.(string)
	}

	return p.publishWithRetry(ctx, eventType, event)
}

// publishWithRetry publishes an event with exponential backoff retry
func (p *Publisher) publishWithRetry(ctx context.Context, routingKey string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to marshal event", zap.Error(err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(
			ctx,
			exchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    event.EventID,
				Body:         body,
				Headers: amqp.Table{
					"event_type":    event.EventType,
					"event_version": event.EventVersion,
				},
			},
		)

		if err != nil {
			lastErr = err
			p.log.Warn("Failed to publish event, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		// Wait for broker confirmation
		confirmCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
		acked, err := confirmation.WaitContext(confirmCtx)
		cancel()

		if err != nil {
			lastErr = err
		} else if acked {
			p.log.Info("Event published successfully",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType),
				zap.String("routing_key", routingKey),
			)
			return nil
		} else {
			lastErr = fmt.Errorf("event not acknowledged")
		}

		p.log.Warn("Event publish not confirmed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	p.log.Error("Failed to publish event after retries",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", maxRetries),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed to publish event after %d attempts: %w", maxRetries, lastErr)
}

// IsHealthy checks if the publisher connection is healthy
func (p *Publisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the publisher connection
func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Error("Failed to close channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Error("Failed to close connection", zap.Error(err))
			return err
		}
	}
	p.log.Info("Publisher closed")
	return nil
}
