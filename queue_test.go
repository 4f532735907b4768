package brocker

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAcknowledger records Ack/Nack/Reject calls so tests can assert the
// final ack-vs-nack decision a consumed delivery settled with.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    bool
	nacked   bool
	requeued bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) snapshot() (acked, nacked, requeued bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked, a.requeued
}

var _ = Describe("Queue facade", func() {
	var (
		ctx    context.Context
		dialer *fakeDialer
		b      *Broker
	)

	BeforeEach(func() {
		ctx = context.Background()
		dialer = newFakeDialer()
	})

	newTestBroker := func(queues map[string]QueueSpec) {
		var err error
		b, err = NewBroker(Config{
			Connection: "amqp://guest:guest@h1:5672/",
			Queues:     queues,
		})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)
		Expect(b.Connect(ctx)).To(Succeed())
	}

	It("declares the queue exactly once across repeated Assert calls", func() {
		newTestBroker(map[string]QueueSpec{"orders": {}})
		q := b.Queue("orders")
		Expect(q.Assert(ctx)).To(Succeed())
		Expect(q.Assert(ctx)).To(Succeed())

		conn := dialer.lastConn()
		var declares int
		for _, ch := range conn.channels {
			declares += len(ch.declaredQueues)
		}
		Expect(declares).To(Equal(1))
	})

	It("acks a delivery when the handler chain proceeds", func() {
		newTestBroker(map[string]QueueSpec{"orders": {}})
		q := b.Queue("orders")

		handled := make(chan struct{}, 1)
		handler := func(msg InboundMessage, next Next) error {
			handled <- struct{}{}
			return next()
		}
		Expect(q.Sub(ctx, handler)).To(Succeed())

		ack := &fakeAcknowledger{}
		readChannel := b.Channel(channelRead)
		underlying, err := readChannel.underlyingChannel()
		Expect(err).NotTo(HaveOccurred())
		fc := underlying.(*fakeChannel)

		fc.deliver(amqp.Delivery{Body: []byte(`{"ok":true}`), ContentType: contentTypeJSON, Acknowledger: ack})

		Eventually(handled, time.Second).Should(Receive())
		Eventually(func() bool {
			acked, _, _ := ack.snapshot()
			return acked
		}, time.Second).Should(BeTrue())
	})

	It("nacks with requeue when the handler chain fails and there is no dead-letter exchange", func() {
		newTestBroker(map[string]QueueSpec{"orders": {}})
		q := b.Queue("orders")

		handler := func(msg InboundMessage, next Next) error { return next(false) }
		Expect(q.Sub(ctx, handler)).To(Succeed())

		ack := &fakeAcknowledger{}
		underlying, err := b.Channel(channelRead).underlyingChannel()
		Expect(err).NotTo(HaveOccurred())
		fc := underlying.(*fakeChannel)
		fc.deliver(amqp.Delivery{Body: []byte(`{}`), ContentType: contentTypeJSON, Acknowledger: ack})

		Eventually(func() bool {
			_, nacked, _ := ack.snapshot()
			return nacked
		}, time.Second).Should(BeTrue())
		_, _, requeued := ack.snapshot()
		Expect(requeued).To(BeTrue())
	})

	It("nacks without requeue when the queue has a dead-letter exchange configured", func() {
		newTestBroker(map[string]QueueSpec{
			"orders": {DeadLetterExchange: "orders.dlx"},
		})
		q := b.Queue("orders")

		handler := func(msg InboundMessage, next Next) error { return next(false) }
		Expect(q.Sub(ctx, handler)).To(Succeed())

		ack := &fakeAcknowledger{}
		underlying, err := b.Channel(channelRead).underlyingChannel()
		Expect(err).NotTo(HaveOccurred())
		fc := underlying.(*fakeChannel)
		fc.deliver(amqp.Delivery{Body: []byte(`{}`), ContentType: contentTypeJSON, Acknowledger: ack})

		Eventually(func() bool {
			_, nacked, _ := ack.snapshot()
			return nacked
		}, time.Second).Should(BeTrue())
		_, _, requeued := ack.snapshot()
		Expect(requeued).To(BeFalse())
	})

	It("retries the chain up to the policy's max attempts before finally nacking", func() {
		newTestBroker(map[string]QueueSpec{"orders": {}})
		q := b.Queue("orders")

		var attempts int
		var mu sync.Mutex
		handler := func(msg InboundMessage, next Next) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return next(false)
		}
		policy := &RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
		Expect(q.SubWithRetry(ctx, policy, handler)).To(Succeed())

		ack := &fakeAcknowledger{}
		underlying, err := b.Channel(channelRead).underlyingChannel()
		Expect(err).NotTo(HaveOccurred())
		fc := underlying.(*fakeChannel)
		fc.deliver(amqp.Delivery{Body: []byte(`{}`), ContentType: contentTypeJSON, Acknowledger: ack})

		Eventually(func() bool {
			_, nacked, _ := ack.snapshot()
			return nacked
		}, time.Second).Should(BeTrue())

		mu.Lock()
		got := attempts
		mu.Unlock()
		Expect(got).To(Equal(3)) // initial attempt + 2 retries
	})

	It("publishes a Send through the default exchange using the declared queue name", func() {
		newTestBroker(map[string]QueueSpec{"orders": {}})
		q := b.Queue("orders")
		Expect(q.Send(ctx, map[string]string{"id": "1"})).To(Succeed())

		conn := dialer.lastConn()
		var published bool
		for _, ch := range conn.channels {
			if len(ch.published) > 0 {
				published = true
			}
		}
		Expect(published).To(BeTrue())
	})
})
