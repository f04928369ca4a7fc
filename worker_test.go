package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/health"
	"github.com/glimte/mmate-worker/internal/metrics"
	"github.com/glimte/mmate-worker/internal/rabbitmq"
	"github.com/glimte/mmate-worker/internal/reliability"
	"github.com/glimte/mmate-worker/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSleep(sleep reliability.SleepFunc) Option {
	return func(c *workerConfig) {
		c.sleep = sleep
	}
}

// ackRecorder records acknowledgements from any goroutine
type ackRecorder struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []uint64
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.nacks = append(a.nacks, tag)
	}
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return errors.New("unexpected reject")
}

func (a *ackRecorder) snapshot() ([]uint64, []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...), append([]uint64(nil), a.nacks...)
}

type testChannel struct {
	mu         sync.Mutex
	closed     bool
	deliveries chan amqp.Delivery
	queues     []string
	bindings   []string
}

func (c *testChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *testChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *testChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *testChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *testChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"->"+name+":"+key)
	return nil
}

func (c *testChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

func (c *testChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close ends the delivery stream like the broker does
func (c *testChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
	return nil
}

type testConnection struct {
	mu     sync.Mutex
	closed bool
	ch     *testChannel
}

func newTestConnection() *testConnection {
	return &testConnection{ch: &testChannel{deliveries: make(chan amqp.Delivery, 8)}}
}

func (c *testConnection) Channel() (rabbitmq.Channel, error) { return c.ch, nil }

func (c *testConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (c *testConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *testConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// flakyDialer fails the first n dials, then hands out conns in order
func flakyDialer(failures int, conns ...*testConnection) rabbitmq.DialFunc {
	var mu sync.Mutex
	attempt := 0
	return func(url string) (rabbitmq.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		if attempt <= failures {
			return nil, errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")
		}
		i := attempt - failures - 1
		if i >= len(conns) {
			return nil, errors.New("no more connections")
		}
		return conns[i], nil
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) snapshot() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func startWorker(t *testing.T, w *Worker) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNew(t *testing.T) {
	handler := messaging.NewLogHandler(nil)

	t.Run("requires url and handler", func(t *testing.T) {
		_, err := New("", handler)
		assert.Error(t, err)

		_, err = New("amqp://localhost", nil)
		assert.Error(t, err)
	})

	t.Run("requires a queue", func(t *testing.T) {
		_, err := New("amqp://localhost", handler, WithQueue(""))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidTopology)
	})

	t.Run("reports degraded before running", func(t *testing.T) {
		w, err := New("amqp://localhost", handler, WithServiceInfo("svc", "1.0.0"))
		require.NoError(t, err)

		assert.False(t, w.IsHealthy())
		status := w.Health().CheckHealth(context.Background())
		assert.Equal(t, health.StateDegraded, status.Status)
		assert.Equal(t, "svc", status.Service)
		assert.Equal(t, "1.0.0", status.Version)
		assert.Equal(t, health.StateAlive, w.Health().Liveness().Status)
	})
}

func TestWorker_Run(t *testing.T) {
	t.Run("retries unreachable broker with fixed delay, then consumes", func(t *testing.T) {
		conn := newTestConnection()
		sleeps := &sleepRecorder{}

		received := make(chan *contracts.Message, 1)
		handler := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			received <- msg
			return nil
		})

		w, err := New("amqp://localhost", handler,
			WithQueue("work"),
			WithExchange("events", "demo.#"),
			WithDialer(flakyDialer(3, conn)),
			withSleep(sleeps.sleep),
		)
		require.NoError(t, err)

		done := startWorker(t, w)
		require.Eventually(t, w.IsHealthy, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeps.snapshot())
		assert.Equal(t, health.StateHealthy, w.Health().CheckHealth(context.Background()).Status)

		acks := &ackRecorder{}
		conn.ch.deliveries <- amqp.Delivery{
			Acknowledger: acks,
			DeliveryTag:  1,
			Body:         []byte(`{"id":"m1","payload":{"x":1},"message_type":"demo"}`),
		}

		select {
		case msg := <-received:
			assert.Equal(t, "m1", msg.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("handler not invoked")
		}
		assert.Eventually(t, func() bool {
			a, _ := acks.snapshot()
			return len(a) == 1
		}, time.Second, 5*time.Millisecond)

		conn.ch.mu.Lock()
		assert.Equal(t, []string{"work"}, conn.ch.queues)
		assert.Equal(t, []string{"events->work:demo.#"}, conn.ch.bindings)
		conn.ch.mu.Unlock()

		// no reconnect was triggered by a successful message
		assert.Len(t, sleeps.snapshot(), 3)

		w.Stop()
		waitDone(t, done)
		assert.False(t, w.IsHealthy())
	})

	t.Run("failing handler requeues", func(t *testing.T) {
		conn := newTestConnection()
		handler := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			return errors.New("downstream unavailable")
		})

		w, err := New("amqp://localhost", handler, WithDialer(flakyDialer(0, conn)))
		require.NoError(t, err)

		done := startWorker(t, w)
		require.Eventually(t, w.IsHealthy, 2*time.Second, 5*time.Millisecond)

		acks := &ackRecorder{}
		conn.ch.deliveries <- amqp.Delivery{
			Acknowledger: acks,
			DeliveryTag:  2,
			Body:         []byte(`{"id":"m2","payload":{},"message_type":"demo"}`),
		}

		assert.Eventually(t, func() bool {
			_, n := acks.snapshot()
			return len(n) == 1
		}, 2*time.Second, 5*time.Millisecond)
		a, _ := acks.snapshot()
		assert.Empty(t, a)

		w.Stop()
		waitDone(t, done)
	})

	t.Run("handler panic requeues instead of crashing", func(t *testing.T) {
		conn := newTestConnection()
		handler := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			panic("boom")
		})

		reg := prometheus.NewRegistry()
		collector, err := metrics.NewCollector(reg)
		require.NoError(t, err)

		w, err := New("amqp://localhost", handler,
			WithDialer(flakyDialer(0, conn)),
			WithMetrics(collector),
		)
		require.NoError(t, err)

		done := startWorker(t, w)
		require.Eventually(t, w.IsHealthy, 2*time.Second, 5*time.Millisecond)

		acks := &ackRecorder{}
		conn.ch.deliveries <- amqp.Delivery{
			Acknowledger: acks,
			DeliveryTag:  3,
			Body:         []byte(`{"id":"m3","payload":{},"message_type":"demo"}`),
		}

		assert.Eventually(t, func() bool {
			_, n := acks.snapshot()
			return len(n) == 1
		}, 2*time.Second, 5*time.Millisecond)

		expected := `
# HELP mmate_worker_messages_handled_total Handler invocations by message type and result.
# TYPE mmate_worker_messages_handled_total counter
mmate_worker_messages_handled_total{error_type="processing",message_type="demo",result="failure"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mmate_worker_messages_handled_total"))

		w.Stop()
		waitDone(t, done)
	})

	t.Run("message in flight is acked after Stop", func(t *testing.T) {
		conn := newTestConnection()
		started := make(chan struct{})
		release := make(chan struct{})
		handler := messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			close(started)
			<-release
			return nil
		})

		w, err := New("amqp://localhost", handler, WithDialer(flakyDialer(0, conn)))
		require.NoError(t, err)

		done := startWorker(t, w)
		require.Eventually(t, w.IsHealthy, 2*time.Second, 5*time.Millisecond)

		acks := &ackRecorder{}
		conn.ch.deliveries <- amqp.Delivery{
			Acknowledger: acks,
			DeliveryTag:  4,
			Body:         []byte(`{"id":"m4","payload":{},"message_type":"demo"}`),
		}
		<-started

		w.Stop()
		assert.False(t, conn.IsClosed(), "connection must outlive the in-flight handler")

		close(release)
		waitDone(t, done)

		a, n := acks.snapshot()
		assert.Equal(t, []uint64{4}, a)
		assert.Empty(t, n)
		assert.True(t, conn.IsClosed())
	})

	t.Run("stream close reconnects after the delay", func(t *testing.T) {
		first := newTestConnection()
		second := newTestConnection()
		sleeps := &sleepRecorder{}

		w, err := New("amqp://localhost", messaging.NewLogHandler(nil),
			WithRestartDelay(time.Second),
			WithDialer(flakyDialer(0, first, second)),
			withSleep(sleeps.sleep),
		)
		require.NoError(t, err)

		done := startWorker(t, w)
		require.Eventually(t, w.IsHealthy, 2*time.Second, 5*time.Millisecond)

		// broker cancels the consumer
		first.ch.Close()

		assert.Eventually(t, func() bool {
			return len(sleeps.snapshot()) == 1 && !second.IsClosed() && w.IsHealthy()
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []time.Duration{time.Second}, sleeps.snapshot())
		assert.True(t, first.IsClosed())

		w.Stop()
		waitDone(t, done)
	})

	t.Run("context cancellation stops the worker", func(t *testing.T) {
		conn := newTestConnection()
		w, err := New("amqp://localhost", messaging.NewLogHandler(nil), WithDialer(flakyDialer(0, conn)))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		require.Eventually(t, w.IsHealthy, 2*time.Second, 5*time.Millisecond)

		cancel()
		waitDone(t, done)
		assert.False(t, w.IsHealthy())
		assert.True(t, conn.IsClosed())
	})

	t.Run("stop before run returns immediately", func(t *testing.T) {
		w, err := New("amqp://localhost", messaging.NewLogHandler(nil), WithDialer(flakyDialer(0)))
		require.NoError(t, err)

		w.Stop()
		assert.NoError(t, w.Run(context.Background()))
	})

	t.Run("records metrics", func(t *testing.T) {
		conn := newTestConnection()
		reg := prometheus.NewRegistry()
		collector, err := metrics.NewCollector(reg)
		require.NoError(t, err)

		w, err := New("amqp://localhost", messaging.NewLogHandler(nil),
			WithDialer(flakyDialer(1, conn)),
			WithMetrics(collector),
			withSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		)
		require.NoError(t, err)

		done := startWorker(t, w)
		require.Eventually(t, w.IsHealthy, 2*time.Second, 5*time.Millisecond)

		acks := &ackRecorder{}
		conn.ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte(`not-json`)}
		assert.Eventually(t, func() bool {
			a, _ := acks.snapshot()
			return len(a) == 1
		}, 2*time.Second, 5*time.Millisecond)

		gathered := func() map[string]bool {
			families, err := reg.Gather()
			require.NoError(t, err)
			names := make(map[string]bool, len(families))
			for _, f := range families {
				names[f.GetName()] = true
			}
			return names
		}
		assert.Eventually(t, func() bool {
			return gathered()["mmate_worker_deliveries_total"]
		}, 2*time.Second, 5*time.Millisecond)
		names := gathered()
		assert.True(t, names["mmate_worker_restarts_total"])
		assert.True(t, names["mmate_worker_queue_connected"])

		w.Stop()
		waitDone(t, done)
	})
}
