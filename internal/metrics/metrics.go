package metrics

import (
	"errors"
	"time"

	"github.com/glimte/mmate-worker/internal/rabbitmq"
	"github.com/glimte/mmate-worker/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mmate_worker"

// Collector exports worker metrics to Prometheus. It implements
// messaging.MetricsCollector, rabbitmq.DeliveryRecorder and
// rabbitmq.ConnectionStateListener.
type Collector struct {
	registerer prometheus.Registerer

	deliveries       *prometheus.CounterVec
	handled          *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	connectionEvents *prometheus.CounterVec
	restarts         prometheus.Counter
}

var (
	_ messaging.MetricsCollector       = (*Collector)(nil)
	_ rabbitmq.DeliveryRecorder        = (*Collector)(nil)
	_ rabbitmq.ConnectionStateListener = (*Collector)(nil)
)

// NewCollector creates and registers the worker metrics
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		registerer: reg,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries by terminal outcome (acked, requeued, malformed).",
		}, []string{"outcome"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Handler invocations by message type and result.",
		}, []string{"message_type", "result", "error_type"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler latency by message type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message_type"}),
		connectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Broker connection state changes.",
		}, []string{"event"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Restarts of the consume sequence.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.deliveries,
		c.handled,
		c.handlerDuration,
		c.connectionEvents,
		c.restarts,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RegisterQueueConnected exports probe as a gauge read at scrape time
func (c *Collector) RegisterQueueConnected(probe func() bool) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_connected",
		Help:      "1 when the broker connection is open.",
	}, func() float64 {
		if probe() {
			return 1
		}
		return 0
	})

	err := c.registerer.Register(gauge)
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// RecordMessage implements messaging.MetricsCollector
func (c *Collector) RecordMessage(messageType string, duration time.Duration, success bool, errorType string) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.handled.WithLabelValues(messageType, result, errorType).Inc()
	c.handlerDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// RecordDelivery implements rabbitmq.DeliveryRecorder
func (c *Collector) RecordDelivery(outcome rabbitmq.DeliveryOutcome) {
	c.deliveries.WithLabelValues(string(outcome)).Inc()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnConnected() {
	c.connectionEvents.WithLabelValues("connected").Inc()
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnDisconnected(err error) {
	event := "disconnected"
	if err != nil {
		event = "lost"
	}
	c.connectionEvents.WithLabelValues(event).Inc()
}

// RecordRestart counts a restart of the consume sequence
func (c *Collector) RecordRestart(attempt int64, err error) {
	c.restarts.Inc()
}
