package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ClickRoutingKey is the routing key of every click event.
const ClickRoutingKey = "shorturl.click"

// ClickEvent is published after a click has been recorded.
type ClickEvent struct {
	ShortCode string    `json:"shortCode"`
	Timestamp time.Time `json:"timestamp"`
	Referrer  string    `json:"referrer"`
	IP        string    `json:"ip"`
}

// ClickPublisher fans click events out to downstream consumers.
type ClickPublisher interface {
	PublishClick(ctx context.Context, event ClickEvent) error
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishClick(context.Context, ClickEvent) error { return nil }

// AMQPPublisher publishes click events to a durable fanout exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher opens a channel on conn and declares the exchange.
func NewAMQPPublisher(conn *amqp.Connection, exchange string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

// PublishClick sends event as a persistent JSON message.
func (p *AMQPPublisher) PublishClick(ctx context.Context, event ClickEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(ctx, p.exchange, ClickRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    event.Timestamp,
		Type:         "click",
		Body:         body,
	})
}

// Close closes the underlying channel.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

var (
	_ ClickPublisher = NoopPublisher{}
	_ ClickPublisher = (*AMQPPublisher)(nil)
)
