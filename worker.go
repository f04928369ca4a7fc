// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-worker/health"
	"github.com/glimte/mmate-worker/internal/metrics"
	"github.com/glimte/mmate-worker/internal/rabbitmq"
	"github.com/glimte/mmate-worker/internal/reliability"
	"github.com/glimte/mmate-worker/messaging"
	"github.com/google/uuid"
)

// Worker consumes one queue, hands each message to a handler and keeps the
// consume sequence alive across broker failures.
type Worker struct {
	conn       *rabbitmq.ConnectionManager
	topology   *rabbitmq.TopologyManager
	consumer   *rabbitmq.Consumer
	restarter  *reliability.Restarter
	projector  *health.Projector
	descriptor rabbitmq.TopologyDescriptor
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// New creates a worker for the broker at url
func New(url string, handler messaging.MessageHandler, options ...Option) (*Worker, error) {
	if url == "" {
		return nil, errors.New("worker: broker url cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("worker: handler cannot be nil")
	}

	cfg := &workerConfig{
		logger:        slog.Default(),
		queue:         "mmate.worker",
		prefetchCount: 10,
		restartDelay:  reliability.DefaultRestartDelay,
		serviceName:   "mmate-worker",
		version:       "dev",
	}

	for _, opt := range options {
		opt(cfg)
	}

	descriptor := rabbitmq.TopologyDescriptor{
		Queue:      cfg.queue,
		Exchange:   cfg.exchange,
		RoutingKey: cfg.routingKey,
		Durable:    true,
	}
	if err := descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	if cfg.consumerTag == "" {
		cfg.consumerTag = fmt.Sprintf("%s-%s", cfg.serviceName, uuid.NewString()[:8])
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	conn := rabbitmq.NewConnectionManager(url, connOpts...)

	var middleware []messaging.Middleware
	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerTag(cfg.consumerTag),
		rabbitmq.WithPrefetchCount(cfg.prefetchCount),
		rabbitmq.WithConsumerLogger(cfg.logger),
	}
	restartOpts := []reliability.RestartOption{
		reliability.WithRestartDelay(cfg.restartDelay),
		reliability.WithRestartLogger(cfg.logger),
	}
	if cfg.sleep != nil {
		restartOpts = append(restartOpts, reliability.WithSleep(cfg.sleep))
	}

	if cfg.metrics != nil {
		// outermost so recovered panics are counted as failures
		middleware = append(middleware, messaging.Metrics(cfg.metrics))
		consumerOpts = append(consumerOpts, rabbitmq.WithDeliveryRecorder(cfg.metrics))
		restartOpts = append(restartOpts, reliability.WithOnRestart(cfg.metrics.RecordRestart))
		conn.AddStateListener(cfg.metrics)
		if err := cfg.metrics.RegisterQueueConnected(conn.IsHealthy); err != nil {
			return nil, fmt.Errorf("worker: register queue gauge: %w", err)
		}
	}
	middleware = append(middleware,
		messaging.Recovery(cfg.logger),
		messaging.Logging(cfg.logger),
	)

	return &Worker{
		conn:       conn,
		topology:   rabbitmq.NewTopologyManager(rabbitmq.WithTopologyLogger(cfg.logger)),
		consumer:   rabbitmq.NewConsumer(cfg.queue, messaging.Chain(handler, middleware...), consumerOpts...),
		restarter:  reliability.NewRestarter(restartOpts...),
		projector:  health.NewProjector(conn, cfg.serviceName, cfg.version),
		descriptor: descriptor,
		logger:     cfg.logger,
	}, nil
}

// Run consumes until ctx is cancelled or Stop is called. Broker failures are
// logged and retried after the restart delay; they never end Run.
func (w *Worker) Run(ctx context.Context) error {
	if w.stopped.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	// Stop may have run before cancel was published
	if w.stopped.Load() {
		return nil
	}

	w.logger.Info("worker starting",
		"queue", w.descriptor.Queue,
		"exchange", w.descriptor.Exchange,
		"routingKey", w.descriptor.RoutingKey,
		"restartDelay", w.restarter.Delay(),
	)

	err := w.restarter.Run(ctx, w.runOnce)
	w.conn.Disconnect()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.logger.Info("worker stopped", "restarts", w.restarter.Attempts())
		return nil
	}
	return err
}

// runOnce is one connect, declare and consume sequence
func (w *Worker) runOnce(ctx context.Context) error {
	defer w.conn.Disconnect()

	if err := w.conn.Connect(ctx); err != nil {
		return err
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return err
	}

	if err := w.topology.EnsureTopology(ctx, ch, w.descriptor); err != nil {
		return err
	}

	return w.consumer.Run(ctx, ch)
}

// Stop ends Run. A message being handled is still acked or nacked before
// Run disconnects; deliveries that arrive afterwards are left to the broker.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.consumer.Stop()

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Health returns the health projector
func (w *Worker) Health() *health.Projector {
	return w.projector
}

// IsHealthy reports whether the broker connection is open right now
func (w *Worker) IsHealthy() bool {
	return w.conn.IsHealthy()
}

type workerConfig struct {
	logger        *slog.Logger
	queue         string
	exchange      string
	routingKey    string
	consumerTag   string
	prefetchCount int
	restartDelay  time.Duration
	serviceName   string
	version       string
	metrics       *metrics.Collector
	dialer        rabbitmq.DialFunc
	sleep         reliability.SleepFunc
}

// Option configures the Worker
type Option func(*workerConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *workerConfig) {
		c.logger = logger
	}
}

// WithQueue sets the queue to consume
func WithQueue(name string) Option {
	return func(c *workerConfig) {
		c.queue = name
	}
}

// WithExchange binds the queue to a topic exchange. An empty exchange
// disables binding.
func WithExchange(exchange, routingKey string) Option {
	return func(c *workerConfig) {
		c.exchange = exchange
		c.routingKey = routingKey
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) Option {
	return func(c *workerConfig) {
		c.consumerTag = tag
	}
}

// WithPrefetchCount sets the QoS prefetch
func WithPrefetchCount(count int) Option {
	return func(c *workerConfig) {
		c.prefetchCount = count
	}
}

// WithRestartDelay sets the fixed delay between consume attempts
func WithRestartDelay(delay time.Duration) Option {
	return func(c *workerConfig) {
		c.restartDelay = delay
	}
}

// WithServiceInfo sets the name and version reported by health checks
func WithServiceInfo(name, version string) Option {
	return func(c *workerConfig) {
		c.serviceName = name
		c.version = version
	}
}

// WithMetrics reports handler, delivery, connection and restart metrics
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *workerConfig) {
		c.metrics = collector
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.DialFunc) Option {
	return func(c *workerConfig) {
		c.dialer = dial
	}
}
