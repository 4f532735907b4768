package brocker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultConnectionTimeout is the default amount of time a single dial will
// wait before aborting, mirroring the teacher's own constant of the same
// name and purpose.
const DefaultConnectionTimeout = 30 * time.Second

// ConnState is the Connection Manager's lifecycle state (spec.md §4.5).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

// Broker is the cluster-aware connection manager (C5) plus the channel
// registry (C4) and the exchange/queue facades (C6) it owns. One Broker is
// a singleton per cluster; an application may hold several, each with its
// own registries (design note 3).
type Broker struct {
	mu     sync.RWMutex
	nodes  NodeList
	cursor int
	state  ConnState
	closing bool

	dialer Dialer
	conn   amqpConnection
	policy PolicyObject
	config Config

	channels  *ChannelRegistry
	exchanges *exchangeRegistry
	queues    *queueRegistry
}

// NewBroker constructs a Broker from a Config. Config.Connection accepts
// any NodeSpec shape (including a PolicyObject carrying retry/frequency).
func NewBroker(config Config) (*Broker, error) {
	return newBroker(config.Connection, config)
}

// NewBrokerWithNodes mirrors spec.md §6.1's second construction shape: an
// explicit nodeSpec wins over config.Connection when both are given.
func NewBrokerWithNodes(nodeSpec interface{}, config Config) (*Broker, error) {
	if nodeSpec != nil {
		return newBroker(nodeSpec, config)
	}
	return newBroker(config.Connection, config)
}

func newBroker(nodeSpec interface{}, config Config) (*Broker, error) {
	nodes, err := ParseNodes(nodeSpec)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		nodes:  nodes,
		state:  Disconnected,
		dialer: defaultDialer{timeout: DefaultConnectionTimeout},
		policy: extractPolicy(nodeSpec),
		config: config,
	}
	b.channels = newChannelRegistry(b)
	b.exchanges = newExchangeRegistry(b)
	b.queues = newQueueRegistry(b)

	return b, nil
}

func extractPolicy(spec interface{}) PolicyObject {
	switch v := spec.(type) {
	case PolicyObject:
		return v
	case Config:
		return extractPolicy(v.Connection)
	case *Config:
		if v == nil {
			return PolicyObject{}
		}
		return extractPolicy(v.Connection)
	default:
		return PolicyObject{}
	}
}

// WithDialer overrides the Dialer a Broker uses to reach the cluster. Tests
// use this to exercise round-robin/retry/reconnect without a live broker.
func (b *Broker) WithDialer(d Dialer) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialer = d
	return b
}

type connectConfig struct {
	retry     *int
	frequency *time.Duration
}

// ConnectOption overrides the broker's policy retry/frequency for a single
// Connect call.
type ConnectOption func(*connectConfig)

// WithRetry overrides the cluster-attempt retry budget for one Connect
// call.
func WithRetry(n int) ConnectOption {
	return func(c *connectConfig) { c.retry = &n }
}

// WithFrequency overrides the sleep between cluster passes for one Connect
// call.
func WithFrequency(d time.Duration) ConnectOption {
	return func(c *connectConfig) { c.frequency = &d }
}

// Connect attempts the NodeList in round-robin, retrying up to the
// effective retry budget with the effective frequency sleep between full
// cluster passes (spec.md §4.5). On success it resurrects every registered
// channel and re-runs the topology loader.
func (b *Broker) Connect(ctx context.Context, opts ...ConnectOption) error {
	ctx = backgroundIfNil(ctx)

	var cfg connectConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return ErrShutdown
	}
	if b.state == Connected {
		b.mu.Unlock()
		return nil
	}
	b.state = Connecting
	b.mu.Unlock()

	retry := b.policy.effectiveRetry(cfg.retry)
	frequency := b.policy.effectiveFrequency(cfg.frequency)

	var lastErr error
	var attempts int

	operation := func() error {
		b.mu.RLock()
		closing := b.closing
		b.mu.RUnlock()
		if closing {
			return backoff.Permanent(ErrShutdown)
		}

		err := b.attemptClusterPass(ctx, &attempts)
		if err != nil {
			lastErr = err
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(frequency), uint64(retry))
	err := backoff.Retry(operation, policy)
	if err != nil {
		b.mu.Lock()
		if b.state != Connected {
			b.state = Disconnected
		}
		b.mu.Unlock()

		if errors.Is(err, ErrShutdown) {
			return ErrShutdown
		}
		return newConnectExhaustedError(attempts, lastErr)
	}

	return nil
}

// attemptClusterPass is one full pass through the NodeList: it tries the
// endpoint at cursor, advances cursor on failure, and stops as soon as one
// endpoint succeeds. The cursor is never reset here, which is what lets
// reconnection resume from the node after the one that died.
func (b *Broker) attemptClusterPass(ctx context.Context, attempts *int) error {
	b.mu.RLock()
	n := len(b.nodes)
	b.mu.RUnlock()
	if n == 0 {
		return ErrEmptyNodeList
	}

	var lastErr error
	for i := 0; i < n; i++ {
		b.mu.Lock()
		endpoint := b.nodes[b.cursor]
		b.mu.Unlock()

		*attempts++
		conn, err := b.dialer.Dial(ctx, endpoint)
		if err == nil {
			return b.onConnected(ctx, conn)
		}

		lastErr = err
		b.mu.Lock()
		b.cursor = (b.cursor + 1) % n
		b.mu.Unlock()
	}

	return lastErr
}

func (b *Broker) onConnected(ctx context.Context, conn amqpConnection) error {
	b.mu.Lock()
	b.conn = conn
	b.state = Connected
	b.closing = false
	b.mu.Unlock()

	closeSignal := conn.NotifyClose(make(chan *amqp.Error, 1))
	go b.watchConnection(closeSignal)

	if err := b.channels.connectAll(ctx); err != nil {
		return err
	}

	// Open question (spec.md §9) resolved in favor of re-asserting: every
	// successful connect re-runs the topology loader, so the declarative
	// configuration stays idempotent across failover.
	return newTopologyLoader(b).run(ctx)
}

// watchConnection is the Connection Manager's close-listener supervisor
// task: it blocks until the connection reports closed, then either stays
// disconnected (user-initiated close) or drives a fresh Connect that
// resumes round-robin from the next endpoint (spec.md §4.5's reconnect
// policy - the cursor is deliberately not reset).
func (b *Broker) watchConnection(closeSignal <-chan *amqp.Error) {
	<-closeSignal

	b.mu.Lock()
	wasClosing := b.closing
	b.state = Disconnected
	b.conn = nil
	if !wasClosing && len(b.nodes) > 0 {
		b.cursor = (b.cursor + 1) % len(b.nodes)
	}
	b.mu.Unlock()

	if wasClosing {
		return
	}

	go func() {
		_ = b.Connect(context.Background())
	}()
}

// Close sets closing=true, closes the underlying connection (suppressing
// the reconnect the close listener would otherwise trigger) and closes the
// registered channels, leaving their registry entries in place. closing is
// not cleared afterwards: a later Connect on this Broker returns ErrShutdown
// and does not reopen the connection or the channels.
func (b *Broker) Close(ctx context.Context) error {
	ctx = backgroundIfNil(ctx)

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	conn := b.conn
	b.state = Disconnected
	b.mu.Unlock()

	b.channels.closeAll(ctx)

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Connected reports whether the broker currently has a live connection.
func (b *Broker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == Connected
}

// Connection returns the live underlying connection, or ErrNotConnected.
func (b *Broker) Connection() (amqpConnection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != Connected || b.conn == nil {
		return nil, ErrNotConnected
	}
	return b.conn, nil
}

// Nodes returns the canonical, password-masked-on-render endpoint list.
func (b *Broker) Nodes() NodeList {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(NodeList, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// Channel returns (creating if necessary) the named Channel entity.
func (b *Broker) Channel(name string) *Channel { return b.channels.Get(name) }

// Exchange returns (creating if necessary) the named Exchange facade, using
// the spec declared in Config.Exchanges if present, or a bare default spec
// otherwise.
func (b *Broker) Exchange(name string) *Exchange { return b.exchanges.get(name) }

// Queue returns (creating if necessary) the named Queue facade, using the
// spec declared in Config.Queues if present, or a bare default spec
// otherwise.
func (b *Broker) Queue(name string) *Queue { return b.queues.get(name) }

func (b *Broker) ensureConnected(ctx context.Context) error {
	if b.Connected() {
		return nil
	}
	return b.Connect(ctx)
}

func (b *Broker) liveConnection() (amqpConnection, error) {
	return b.Connection()
}
