// Package rabbitmq publishes subscription sync outcomes for downstream consumers
// such as the notification service.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"subsync-service/internal/domain/subscription"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	RoutingKeySynced = "subscription.synced"
	exchangeKind     = "topic"
)

// SyncedEvent is the payload of subscription.synced.
type SyncedEvent struct {
	EventID           string              `json:"event_id"`
	SubscriptionID    int64               `json:"subscription_id"`
	ExternalReference string              `json:"external_reference,omitempty"`
	UserID            int64               `json:"user_id"`
	ProductID         int64               `json:"product_id"`
	Status            subscription.Status `json:"status"`
	Action            subscription.Action `json:"action"`
	Criteria          string              `json:"criteria"`
	Confidence        int                 `json:"confidence"`
	Timestamp         time.Time           `json:"timestamp"`
}

// NewSyncedEvent builds the event for a successful sync. It returns nil when the
// result carries no subscription.
func NewSyncedEvent(res *subscription.SyncResult) *SyncedEvent {
	if res == nil || res.Subscription == nil {
		return nil
	}
	sub := res.Subscription
	return &SyncedEvent{
		EventID:           uuid.NewString(),
		SubscriptionID:    sub.ID,
		ExternalReference: sub.Reference(),
		UserID:            sub.UserID,
		ProductID:         sub.ProductID,
		Status:            sub.Status,
		Action:            res.Action,
		Criteria:          res.Criteria,
		Confidence:        res.Confidence,
		Timestamp:         time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	PublishSynced(ctx context.Context, res *subscription.SyncResult) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *zap.Logger
}

// NewEventProducer dials RabbitMQ and opens a channel.
func NewEventProducer(amqpURL, exchange string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := &EventProducer{conn: conn, channel: ch, exchange: exchange, logger: logger}
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *EventProducer) declare() error {
	return p.channel.ExchangeDeclare(p.exchange, exchangeKind, true, false, false, false, nil)
}

// Publish sends body as JSON. A failed publish reopens the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed; reopening channel",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", routingKey),
		zap.Error(err),
	)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	if err := p.declare(); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

func (p *EventProducer) PublishSynced(ctx context.Context, res *subscription.SyncResult) error {
	ev := NewSyncedEvent(res)
	if ev == nil {
		return nil
	}
	return p.Publish(ctx, RoutingKeySynced, ev)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger *zap.Logger
}

func (p *EventProducerFallback) Publish(_ context.Context, routingKey string, _ any) error {
	p.Logger.Warn("publish skipped, broker unavailable", zap.String("routing_key", routingKey))
	return nil
}

func (p *EventProducerFallback) PublishSynced(ctx context.Context, res *subscription.SyncResult) error {
	return p.Publish(ctx, RoutingKeySynced, nil)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
