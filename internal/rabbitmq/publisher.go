package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// HeaderMessageType carries the message type alongside the AMQP type property
const HeaderMessageType = "message_type"

// Publisher sends contracts.Message values to an exchange
type Publisher struct {
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout sets the publish timeout applied when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(options ...PublisherOption) *Publisher {
	p := &Publisher{
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg as a persistent JSON message. An empty exchange uses the
// default exchange, where routingKey is the queue name.
func (p *Publisher) Publish(ctx context.Context, ch Channel, exchange, routingKey string, msg *contracts.Message) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	body, err := msg.Encode()
	if err != nil {
		return p.publishError(exchange, routingKey, fmt.Errorf("encode message: %w", err))
	}

	headers := amqp.Table{HeaderMessageType: msg.MessageType}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.MessageType,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	p.logger.Debug("message published",
		"messageId", msg.ID,
		"messageType", msg.MessageType,
		"exchange", exchange,
		"routingKey", routingKey,
	)
	return nil
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
