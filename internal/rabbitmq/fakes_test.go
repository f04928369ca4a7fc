package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// Mock acknowledger for amqp.Delivery
type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// fakeChannel records declarations and feeds deliveries from a Go channel
type fakeChannel struct {
	mu sync.Mutex

	closed     bool
	deliveries chan amqp.Delivery

	qosErr      error
	consumeErr  error
	queueErr    error
	exchangeErr error
	bindErr     error
	publishErr  error

	prefetch    int
	consumedQ   string
	consumerTag string
	autoAck     bool
	queues      []QueueDeclaration
	exchanges   []ExchangeDeclaration
	bindings    []Binding
	published   []amqp.Publishing
	publishedTo []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return f.qosErr
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.consumedQ = queue
	f.consumerTag = consumer
	f.autoAck = autoAck
	return f.deliveries, nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return amqp.Queue{}, f.queueErr
	}
	f.queues = append(f.queues, QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	f.exchanges = append(f.exchanges, ExchangeDeclaration{Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete})
	return nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bindings = append(f.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.publishedTo = append(f.publishedTo, exchange+"/"+key)
	return nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	return nil
}

// fakeConnection hands out a single fakeChannel
type fakeConnection struct {
	mu         sync.Mutex
	closed     bool
	closeCalls int
	channel    *fakeChannel
	channelErr error
	notify     []chan *amqp.Error
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{channel: newFakeChannel()}
}

func (f *fakeConnection) Channel() (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	return f.channel, nil
}

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, receiver)
	return receiver
}

func (f *fakeConnection) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	for _, n := range f.notify {
		close(n)
	}
	f.notify = nil
	return nil
}

// drop simulates the broker closing the connection
func (f *fakeConnection) drop(reason *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, n := range f.notify {
		n <- reason
		close(n)
	}
	f.notify = nil
}

func fakeDialer(conns ...*fakeConnection) DialFunc {
	var mu sync.Mutex
	i := 0
	return func(url string) (Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			return nil, errors.New("dial tcp: connection refused")
		}
		conn := conns[i]
		i++
		return conn, nil
	}
}

func failingDialer(err error) DialFunc {
	return func(url string) (Connection, error) {
		return nil, err
	}
}
