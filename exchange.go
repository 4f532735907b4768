package brocker

import (
	"context"
	"sync"
)

// Exchange is the C6 facade over one declared exchange: Assert is
// idempotent per instance, Bind attaches a queue, Pub encodes and
// publishes.
type Exchange struct {
	broker *Broker
	name   string
	spec   ExchangeSpec

	mu       sync.Mutex
	asserted bool
}

// Name returns the exchange's declared name.
func (e *Exchange) Name() string { return e.name }

// Assert declares this exchange on the __write__ channel. It is idempotent
// per Exchange instance: the second concurrent Assert on an already-
// asserted entity is a no-op (spec.md §5's "asserted flag" serialization
// rule).
func (e *Exchange) Assert(ctx context.Context) error {
	e.mu.Lock()
	if e.asserted {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	ch := e.broker.Channel(channelWrite)
	if err := ch.connect(ctx); err != nil {
		return err
	}
	underlying, err := ch.underlyingChannel()
	if err != nil {
		return err
	}

	kind := e.spec.resolveType()
	if err := underlying.ExchangeDeclare(
		e.name,
		string(kind),
		e.spec.durable(),
		e.spec.AutoDelete,
		e.spec.Internal,
		false,
		e.spec.amqpArgs(),
	); err != nil {
		return err
	}

	e.mu.Lock()
	e.asserted = true
	e.mu.Unlock()
	return nil
}

// Bind attaches queue to this exchange under routingKey (empty string for
// fanout-style bindings), asserting the exchange first if needed.
func (e *Exchange) Bind(ctx context.Context, queue, routingKey string) error {
	if err := e.Assert(ctx); err != nil {
		return err
	}

	underlying, err := e.broker.Channel(channelWrite).underlyingChannel()
	if err != nil {
		return err
	}
	return underlying.QueueBind(queue, routingKey, e.name, false, nil)
}

// Pub encodes payload via the codec and publishes it to this exchange under
// routingKey, asserting the exchange first if needed.
func (e *Exchange) Pub(ctx context.Context, routingKey string, payload interface{}, opts ...PublishOptions) error {
	if err := e.Assert(ctx); err != nil {
		return err
	}

	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	body, o, err := Encode(payload, o)
	if err != nil {
		return err
	}

	underlying, err := e.broker.Channel(channelWrite).underlyingChannel()
	if err != nil {
		return err
	}

	return underlying.PublishWithContext(ctx, e.name, routingKey, false, false, buildPublishing(body, o))
}

type exchangeRegistry struct {
	mu      sync.Mutex
	entries map[string]*Exchange
	broker  *Broker
}

func newExchangeRegistry(b *Broker) *exchangeRegistry {
	return &exchangeRegistry{entries: make(map[string]*Exchange), broker: b}
}

func (r *exchangeRegistry) get(key string) *Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e
	}

	spec := r.broker.config.Exchanges[key]
	name := spec.Name
	if name == "" {
		name = key
	}

	e := &Exchange{broker: r.broker, name: name, spec: spec}
	r.entries[key] = e
	return e
}

func (r *exchangeRegistry) snapshot() []*Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Exchange, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
