package rabbitmq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeliveryOutcome is the terminal disposition of a delivery
type DeliveryOutcome string

const (
	OutcomeAcked     DeliveryOutcome = "acked"
	OutcomeRequeued  DeliveryOutcome = "requeued"
	OutcomeMalformed DeliveryOutcome = "malformed"
)

// DeliveryRecorder observes delivery outcomes
type DeliveryRecorder interface {
	RecordDelivery(outcome DeliveryOutcome)
}

type noopRecorder struct{}

func (noopRecorder) RecordDelivery(DeliveryOutcome) {}

// Consumer pulls deliveries from one queue and hands them to a MessageHandler
// with manual acknowledgement.
type Consumer struct {
	queue         string
	handler       messaging.MessageHandler
	prefetchCount int
	consumerTag   string
	logger        *slog.Logger
	recorder      DeliveryRecorder
	tracer        trace.Tracer
	running       atomic.Bool
	stopped       atomic.Bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithDeliveryRecorder reports delivery outcomes to recorder
func WithDeliveryRecorder(recorder DeliveryRecorder) ConsumerOption {
	return func(c *Consumer) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(queue string, handler messaging.MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:         queue,
		handler:       handler,
		prefetchCount: 10,
		logger:        slog.Default(),
		recorder:      noopRecorder{},
		tracer:        otel.Tracer(instrumentationName),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Run consumes from ch until Stop is called, ctx is cancelled or the broker
// closes the delivery stream. All three return nil; setup failures return
// a *ConnectionError. Run on a stopped consumer returns at once.
func (c *Consumer) Run(ctx context.Context, ch Channel) error {
	if c.stopped.Load() {
		c.logger.Info("consumer already stopped", "queue", c.queue)
		return nil
	}

	c.running.Store(true)
	defer c.running.Store(false)

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConnectionError{Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConnectionError{Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("consumer started",
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	for {
		if c.stopped.Load() {
			c.logger.Info("consumer stopped", "queue", c.queue)
			return nil
		}

		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled", "queue", c.queue)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", c.queue)
				return nil
			}

			// stopped while waiting: leave the delivery to the broker
			if c.stopped.Load() {
				c.logger.Info("consumer stopped, delivery left unacknowledged",
					"queue", c.queue,
					"deliveryTag", delivery.DeliveryTag,
				)
				return nil
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// Stop makes Run return before the next delivery is processed. It is
// permanent: later calls to Run return without consuming.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
}

// IsRunning reports whether the consume loop is active
func (c *Consumer) IsRunning() bool {
	return c.running.Load() && !c.stopped.Load()
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	// in-flight work is not cut short by shutdown
	ctx = otel.GetTextMapPropagator().Extract(context.WithoutCancel(ctx), headerCarrier(delivery.Headers))
	ctx, span := c.tracer.Start(ctx, c.queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.queue),
			attribute.Int64("messaging.rabbitmq.delivery_tag", int64(delivery.DeliveryTag)),
		),
	)
	defer span.End()

	msg, err := contracts.DecodeMessage(delivery.Body)
	if err != nil {
		c.logger.WarnContext(ctx, "discarding malformed message",
			"error", err,
			"queue", c.queue,
			"deliveryTag", delivery.DeliveryTag,
			"bodyBytes", len(delivery.Body),
		)
		span.SetStatus(codes.Error, "malformed message")
		c.ack(ctx, delivery, OutcomeMalformed)
		return
	}

	span.SetAttributes(
		attribute.String("messaging.message.id", msg.ID),
		attribute.String("messaging.message.type", msg.MessageType),
	)

	if err := c.handler.Handle(ctx, msg); err != nil {
		c.logger.ErrorContext(ctx, "failed to handle message",
			"error", err,
			"queue", c.queue,
			"messageId", msg.ID,
			"messageType", msg.MessageType,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")

		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.ErrorContext(ctx, "failed to nack message",
				"error", nackErr,
				"originalError", err,
				"messageId", msg.ID,
			)
			return
		}
		c.recorder.RecordDelivery(OutcomeRequeued)
		return
	}

	c.ack(ctx, delivery, OutcomeAcked)
}

func (c *Consumer) ack(ctx context.Context, delivery amqp.Delivery, outcome DeliveryOutcome) {
	if err := delivery.Ack(false); err != nil {
		c.logger.ErrorContext(ctx, "failed to ack message",
			"error", err,
			"deliveryTag", delivery.DeliveryTag,
		)
		return
	}
	c.recorder.RecordDelivery(outcome)
}
