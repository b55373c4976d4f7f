package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"pickup-orders/internal/logger"
	"pickup-orders/internal/models"
)

// Publisher publishes notification events to the order events fanout exchange
type Publisher struct {
	conn   *Connection
	logger *logger.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(conn *Connection, log *logger.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: log,
	}
}

// Notify publishes a notification event. Delivery is fire-and-forget; the
// consumer owns channel selection and transport.
func (p *Publisher) Notify(ctx context.Context, event models.NotificationEvent) error {
	// Check if connection is alive
	if p.conn.IsClosed() {
		if err := p.conn.Reconnect(); err != nil {
			return fmt.Errorf("failed to reconnect: %w", err)
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: 2, // persistent
		Timestamp:    time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = p.conn.Channel().PublishWithContext(
		ctx,
		"order_events_fanout", // exchange
		"",                    // routing key
		false,                 // mandatory
		false,                 // immediate
		publishing,
	)
	if err != nil {
		p.logger.Error("event_publish_failed",
			fmt.Sprintf("Failed to publish %s event", event.EventType),
			"", err, map[string]interface{}{
				"event_type": string(event.EventType),
				"order_id":   event.OrderID,
			})
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("event_published",
		fmt.Sprintf("Published %s event", event.EventType),
		"", map[string]interface{}{
			"event_type": string(event.EventType),
			"order_id":   event.OrderID,
		})

	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return p.conn.Close()
}
