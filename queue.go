package brocker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue is the C6 facade over one declared queue: Assert is idempotent per
// instance, Send publishes directly to it (via the default exchange), Sub
// starts a consumer running a composed handler chain per delivery.
type Queue struct {
	broker *Broker
	key    string
	spec   QueueSpec

	mu           sync.Mutex
	asserted     bool
	declaredName string
	consumerTag  string
	cancel       context.CancelFunc
}

// Name returns the queue's configured key (not necessarily the server-
// assigned name for anonymous queues - use DeclaredName for that once
// Assert has run).
func (q *Queue) Name() string { return q.key }

// DeclaredName returns the name the broker assigned on Assert, which for an
// anonymous queue (registered under the empty key) differs from Name.
func (q *Queue) DeclaredName() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.declaredName
}

// Assert declares this queue on the __read__ channel and sets its prefetch
// to 1, per spec.md §4.6 ("opens __read__ channel, declares the queue with
// its spec, sets prefetch = 1 on __read__") - the ordering guarantee of
// spec.md §5 ("a subscriber delivers messages one at a time... no
// interleaving within one subscription") depends on this Qos call running
// before Sub ever consumes. It is idempotent per Queue instance.
func (q *Queue) Assert(ctx context.Context) error {
	q.mu.Lock()
	if q.asserted {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	ch := q.broker.Channel(channelRead)
	if err := ch.connect(ctx); err != nil {
		return err
	}
	underlying, err := ch.underlyingChannel()
	if err != nil {
		return err
	}

	declared, err := underlying.QueueDeclare(
		q.spec.Name,
		q.spec.durable(),
		q.spec.AutoDelete,
		q.spec.Exclusive,
		false,
		q.spec.amqpArgs(),
	)
	if err != nil {
		return err
	}

	if err := underlying.Qos(1, 0, false); err != nil {
		return err
	}

	q.mu.Lock()
	q.declaredName = declared.Name
	q.asserted = true
	q.mu.Unlock()
	return nil
}

func (q *Queue) queueName() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declaredName != "" {
		return q.declaredName
	}
	return q.spec.Name
}

// Send encodes payload via the codec and publishes it directly to this
// queue (via the default exchange) over the __read__ channel, per spec.md
// §4.6 ("sends directly to this queue via __read__"), asserting the queue
// first if needed.
func (q *Queue) Send(ctx context.Context, payload interface{}, opts ...PublishOptions) error {
	if err := q.Assert(ctx); err != nil {
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

	underlying, err := q.broker.Channel(channelRead).underlyingChannel()
	if err != nil {
		return err
	}

	return underlying.PublishWithContext(ctx, "", q.queueName(), false, false, buildPublishing(body, o))
}

// Sub asserts the queue, then starts a consumer on the __read__ channel that
// runs handlers (composed via Compose) against every decoded delivery,
// acking on OutcomeProceed and nacking otherwise (spec.md §4.6: a queue with
// a dead-letter exchange nacks without requeue, letting the broker route the
// delivery to its DLX; a queue without one nacks with requeue).
func (q *Queue) Sub(ctx context.Context, handlers ...Handler) error {
	return q.SubWithRetry(ctx, nil, handlers...)
}

// SubWithRetry is Sub with a local RetryPolicy applied to each delivery
// before the final ack/nack decision: the chain is re-run (from the start)
// up to policy.MaxAttempts times, sleeping the policy's backoff between
// attempts, before the delivery is finally nacked.
func (q *Queue) SubWithRetry(ctx context.Context, policy *RetryPolicy, handlers ...Handler) error {
	q.mu.Lock()
	conflict := q.consumerTag != ""
	q.mu.Unlock()
	if conflict {
		return ErrSubscriptionConflict
	}

	if err := q.Assert(ctx); err != nil {
		return err
	}

	ch := q.broker.Channel(channelRead)
	if err := ch.connect(ctx); err != nil {
		return err
	}
	underlying, err := ch.underlyingChannel()
	if err != nil {
		return err
	}

	tag := newConsumerTag("brocker")
	deliveries, err := underlying.Consume(q.queueName(), tag, false, q.spec.Exclusive, false, false, nil)
	if err != nil {
		return err
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.consumerTag = tag
	q.cancel = cancel
	q.mu.Unlock()

	run := Compose(handlers...)
	go q.consumeLoop(consumeCtx, deliveries, run, policy)

	return nil
}

func (q *Queue) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, run func(InboundMessage) Outcome, policy *RetryPolicy) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			q.handleDelivery(d, run, policy)
		}
	}
}

func (q *Queue) handleDelivery(d amqp.Delivery, run func(InboundMessage) Outcome, policy *RetryPolicy) {
	msg, err := Decode(d.Body, propertiesFromDelivery(d))
	if err != nil {
		q.finalize(d, Outcome{Kind: OutcomeThrew, Err: err})
		return
	}

	tracker := policy.newAttemptTracker()
	for {
		outcome := run(msg)
		if !outcome.Failed() || !tracker.shouldRetry() {
			q.finalize(d, outcome)
			return
		}
		time.Sleep(tracker.next())
	}
}

// finalize applies the ack-vs-nack policy of spec.md §4.6 to a settled
// chain outcome.
func (q *Queue) finalize(d amqp.Delivery, outcome Outcome) {
	if !outcome.Failed() {
		_ = d.Ack(false)
		return
	}
	requeue := !q.spec.hasDeadLetter()
	_ = d.Nack(false, requeue)
}

// Cancel stops this queue's active consumer, if any.
func (q *Queue) Cancel(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	tag := q.consumerTag
	q.cancel = nil
	q.consumerTag = ""
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tag == "" {
		return nil
	}

	underlying, err := q.broker.Channel(channelRead).underlyingChannel()
	if err != nil {
		return nil
	}
	return underlying.Cancel(tag, false)
}

type queueRegistry struct {
	mu      sync.Mutex
	entries map[string]*Queue
	broker  *Broker
}

func newQueueRegistry(b *Broker) *queueRegistry {
	return &queueRegistry{entries: make(map[string]*Queue), broker: b}
}

func (r *queueRegistry) get(key string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.entries[key]; ok {
		return q
	}

	spec := r.broker.config.Queues[key]
	if spec.Name == "" {
		spec.Name = key
	}

	q := &Queue{broker: r.broker, key: key, spec: spec}
	r.entries[key] = q
	return q
}

func (r *queueRegistry) snapshot() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Queue, 0, len(r.entries))
	for _, q := range r.entries {
		out = append(out, q)
	}
	return out
}
