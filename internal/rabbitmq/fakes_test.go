package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel implements the AMQPChannel methods the pool and its helpers
// call. Anything else panics through the nil embedded interface.
type fakeChannel struct {
	AMQPChannel

	id         int
	mu         sync.Mutex
	closed     bool
	closeCalls int
	queues     []QueueDeclaration
	exchanges  []ExchangeDeclaration
	bindings   []BindingDeclaration
	deleted    []string
	published  []amqp.Publishing
	confirms   int
	block      chan struct{}
	err        error
}

func (f *fakeChannel) wait() {
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return amqp.Queue{}, f.err
	}
	f.queues = append(f.queues, QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queues {
		if q.Name == name {
			return amqp.Queue{Name: name, Messages: 3, Consumers: 1}, nil
		}
	}
	f.closed = true
	return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.exchanges = append(f.exchanges, ExchangeDeclaration{Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete, Internal: internal, Arguments: args})
	return nil
}

func (f *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "exchange:"+name)
	return nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, BindingDeclaration{Queue: name, Exchange: exchange, RoutingKey: key, Arguments: args})
	return nil
}

func (f *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "binding:"+name+"->"+exchange)
	return nil
}

func (f *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "queue:"+name)
	return 0, nil
}

func (f *fakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	return 7, nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

// PublishWithDeferredConfirmWithContext records msg. A nil confirmation is
// treated as acknowledged by the publisher.
func (f *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return nil, f.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (f *fakeChannel) Published() []amqp.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]amqp.Publishing(nil), f.published...)
}

func (f *fakeChannel) Confirms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirms
}

func (f *fakeChannel) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeOpener hands out fakeChannels, failing the first failFirst calls.
type fakeOpener struct {
	mu        sync.Mutex
	opened    []*fakeChannel
	calls     int
	failFirst int
	failAll   error
	block     chan struct{}
}

func (o *fakeOpener) OpenChannel(ctx context.Context) (AMQPChannel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.failAll != nil {
		return nil, o.failAll
	}
	if o.calls <= o.failFirst {
		return nil, errors.New("channel allocation refused")
	}
	ch := &fakeChannel{id: len(o.opened) + 1, block: o.block}
	o.opened = append(o.opened, ch)
	return ch, nil
}

func (o *fakeOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *fakeOpener) Opened() []*fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeChannel(nil), o.opened...)
}

// fakeSession is a broker connection whose loss can be simulated.
type fakeSession struct {
	mu       sync.Mutex
	closed   bool
	closeErr *amqp.Error
	notify   []chan *amqp.Error
	opener   fakeOpener
	deadline time.Time
}

func (s *fakeSession) OpenChannel() (AMQPChannel, error) {
	if s.IsClosed() {
		return nil, amqp.ErrClosed
	}
	return s.opener.OpenChannel(context.Background())
}

func (s *fakeSession) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(receiver)
		return receiver
	}
	s.notify = append(s.notify, receiver)
	return receiver
}

func (s *fakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) CloseDeadline(deadline time.Time) error {
	s.mu.Lock()
	s.deadline = deadline
	s.mu.Unlock()
	s.shutdown(nil)
	return nil
}

func (s *fakeSession) closeListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notify)
}

// drop simulates the broker going away.
func (s *fakeSession) drop() {
	s.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker restart", Server: true})
}

func (s *fakeSession) shutdown(cause *amqp.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.notify {
		if cause != nil {
			ch <- cause
		}
		close(ch)
	}
	s.notify = nil
}

// fakeSessionFactory returns fresh sessions, failing while failing is set.
type fakeSessionFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	calls    atomic.Int32
	failing  error
}

func (f *fakeSessionFactory) Create(ctx context.Context) (Session, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return nil, f.failing
	}
	s := &fakeSession{}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeSessionFactory) setFailing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = err
}

func (f *fakeSessionFactory) Sessions() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

// recordingMetrics keeps every measurement for assertions.
type recordingMetrics struct {
	mu       sync.Mutex
	timers   map[string]int
	counters map[string]int
	gauges   map[string]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		timers:   map[string]int{},
		counters: map[string]int{},
		gauges:   map[string]float64{},
	}
}

func (m *recordingMetrics) ObserveTimer(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[name]++
}

func (m *recordingMetrics) IncCounter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *recordingMetrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *recordingMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *recordingMetrics) Timer(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[name]
}

func (m *recordingMetrics) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}
