package brocker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Well-known channel names the facades (C6) share across every Broker
// instance: one for subscriptions/acks, one for publishes/topology.
const (
	channelRead  = "__read__"
	channelWrite = "__write__"
)

// amqpChannel is the subset of *amqp.Channel the broker core depends on.
// Wrapping it behind an interface (rather than depending on *amqp.Channel
// directly) lets the connection/channel managers be exercised with fakes in
// tests, without a live broker - the same seam JailtonJunior94-devkit-go
// gets from its ConnectionStrategy interface, applied one level deeper.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
}

// realChannel adapts *amqp.Channel to amqpChannel. Every method above has
// an identical signature on *amqp.Channel, so embedding promotes them all
// with no extra code.
type realChannel struct{ *amqp.Channel }

var _ amqpChannel = realChannel{}

// amqpConnection is the subset of *amqp.Connection the broker core depends
// on.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// realConnection adapts *amqp.Connection to amqpConnection. Channel must be
// wrapped explicitly since its return type differs from the promoted one.
type realConnection struct{ conn *amqp.Connection }

func (r realConnection) Channel() (amqpChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return realChannel{ch}, nil
}

func (r realConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return r.conn.NotifyClose(c)
}

func (r realConnection) Close() error { return r.conn.Close() }

func (r realConnection) IsClosed() bool { return r.conn.IsClosed() }

var _ amqpConnection = realConnection{}

// Dialer opens a connection to one Endpoint. The default implementation
// wraps amqp091-go's DialConfig exactly as the teacher's own
// amqp.Config.Dial closure does: a deadline-bounded net.Dial, TLS applied
// for amqps. Tests may supply a fake to exercise round-robin/retry/
// reconnect without a live broker.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (amqpConnection, error)
}

type defaultDialer struct {
	timeout time.Duration
}

func (d defaultDialer) Dial(_ context.Context, endpoint Endpoint) (amqpConnection, error) {
	timeout := d.timeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	cfg := amqp.Config{
		Heartbeat:       time.Duration(endpoint.Heartbeat) * time.Second,
		Locale:          "en_US",
		ChannelMax:      endpoint.ChannelMax,
		FrameSize:       int(endpoint.FrameMax),
		Dial:            dialerWithTimeout(timeout),
		TLSClientConfig: tlsConfigFor(endpoint),
	}

	conn, err := amqp.DialConfig(endpoint.url(), cfg)
	if err != nil {
		return nil, err
	}
	return realConnection{conn}, nil
}

type channelState int

const (
	channelUnborn channelState = iota
	channelOpen
	channelClosed
)

// Channel is a named, long-lived logical channel that survives the
// underlying channel breaking: connect() opens it if absent, close() is
// user-initiated and sticky, and a spontaneous close while the owning
// connection is still live reopens it automatically (spec.md §4.4).
type Channel struct {
	name   string
	broker *Broker

	mu         sync.Mutex
	state      channelState
	closing    bool
	underlying amqpChannel
}

// Name returns this channel's registry key.
func (c *Channel) Name() string { return c.name }

// Connected reports whether this channel currently has a live underlying
// amqp channel.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == channelOpen
}

func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == channelOpen {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.broker.ensureConnected(ctx); err != nil {
		return err
	}

	conn, err := c.broker.liveConnection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.underlying = ch
	c.state = channelOpen
	c.closing = false
	c.mu.Unlock()

	closeSignal := ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(closeSignal)

	return nil
}

// watch is the close-listener supervisor task (design note 4): it blocks
// until the underlying channel reports closed, then decides whether to
// stay closed or self-heal.
func (c *Channel) watch(closeSignal <-chan *amqp.Error) {
	<-closeSignal

	c.mu.Lock()
	wasClosing := c.closing
	c.state = channelClosed
	c.underlying = nil
	c.mu.Unlock()

	if wasClosing {
		return
	}
	if !c.broker.Connected() {
		// The connection dropped too; reconnection is driven by the
		// Connection Manager's resurrection pass on its next connect.
		return
	}

	// Spontaneous channel error while the connection lives: reopen on the
	// same connection.
	_ = c.connect(context.Background())
}

func (c *Channel) close(_ context.Context) error {
	c.mu.Lock()
	c.closing = true
	if c.state == channelOpen {
		c.state = channelClosed
	}
	ch := c.underlying
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (c *Channel) underlyingChannel() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != channelOpen || c.underlying == nil {
		return nil, ErrChannelNotOpen
	}
	return c.underlying, nil
}

// ChannelRegistry is the per-broker named map of Channel entities. Accessors
// are lazy: first access materializes an entry in state unborn.
type ChannelRegistry struct {
	mu      sync.Mutex
	entries map[string]*Channel
	broker  *Broker
}

func newChannelRegistry(b *Broker) *ChannelRegistry {
	return &ChannelRegistry{entries: make(map[string]*Channel), broker: b}
}

// Get returns the named Channel, creating it (unborn) on first access.
func (r *ChannelRegistry) Get(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.entries[name]; ok {
		return ch
	}
	ch := &Channel{name: name, broker: r.broker, state: channelUnborn}
	r.entries[name] = ch
	return ch
}

func (r *ChannelRegistry) snapshot() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.entries))
	for _, ch := range r.entries {
		out = append(out, ch)
	}
	return out
}

// connectAll resurrects every registered channel on the current connection,
// in parallel, as required after a successful (re)connect.
func (r *ChannelRegistry) connectAll(ctx context.Context) error {
	channels := r.snapshot()

	var wg sync.WaitGroup
	errs := make([]error, len(channels))
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch *Channel) {
			defer wg.Done()
			errs[i] = ch.connect(ctx)
		}(i, ch)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ChannelRegistry) closeAll(ctx context.Context) {
	for _, ch := range r.snapshot() {
		_ = ch.close(ctx)
	}
}
