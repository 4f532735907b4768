package brocker

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Broker connection lifecycle", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("connects to the only node in a single-node list", func() {
		dialer := newFakeDialer()
		b, err := NewBroker(Config{Connection: "amqp://guest:guest@h1:5672/"})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)

		Expect(b.Connect(ctx)).To(Succeed())
		Expect(b.Connected()).To(BeTrue())
		Expect(dialer.dialCount()).To(Equal(1))
	})

	It("advances round-robin past a failing node to the next one", func() {
		dialer := newFakeDialer("h1")
		b, err := NewBroker(Config{Connection: "amqp://guest:guest@h1:5672/,amqp://guest:guest@h2:5672/"})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)

		Expect(b.Connect(ctx)).To(Succeed())
		Expect(b.Connected()).To(BeTrue())
		Expect(dialer.dialed).To(Equal([]string{"h1", "h2"}))
	})

	It("exhausts the retry budget and reports ConnectExhaustedError", func() {
		dialer := newFakeDialer("h1", "h2")
		b, err := NewBroker(Config{Connection: "amqp://guest:guest@h1:5672/,amqp://guest:guest@h2:5672/"})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)

		err = b.Connect(ctx, WithRetry(1), WithFrequency(time.Millisecond))
		Expect(err).To(HaveOccurred())
		var exhausted *ConnectExhaustedError
		Expect(asConnectExhausted(err, &exhausted)).To(BeTrue())
		Expect(b.Connected()).To(BeFalse())
	})

	It("reconnects from the next node after a spontaneous close, without resetting the cursor", func() {
		dialer := newFakeDialer()
		b, err := NewBroker(Config{Connection: "amqp://guest:guest@h1:5672/,amqp://guest:guest@h2:5672/"})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)

		Expect(b.Connect(ctx)).To(Succeed())
		Expect(dialer.dialed).To(Equal([]string{"h1"}))

		firstConn := dialer.lastConn()
		firstConn.triggerClose(nil)

		Eventually(func() []string {
			return dialer.dialed
		}, time.Second, 10*time.Millisecond).Should(Equal([]string{"h1", "h2"}))

		Eventually(b.Connected, time.Second, 10*time.Millisecond).Should(BeTrue())
	})

	It("does not reconnect after an explicit Close", func() {
		dialer := newFakeDialer()
		b, err := NewBroker(Config{Connection: "amqp://guest:guest@h1:5672/"})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)

		Expect(b.Connect(ctx)).To(Succeed())
		Expect(b.Close(ctx)).To(Succeed())

		Consistently(b.Connected, 200*time.Millisecond, 20*time.Millisecond).Should(BeFalse())
		Expect(dialer.dialCount()).To(Equal(1))
	})

	It("opens channels and runs topology assertion on connect", func() {
		dialer := newFakeDialer()
		b, err := NewBroker(Config{
			Connection: "amqp://guest:guest@h1:5672/",
			Exchanges: map[string]ExchangeSpec{
				"ex": {Type: ExchangeFanout, Fanout: []string{"q"}},
			},
			Queues: map[string]QueueSpec{
				"q": {},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)

		Expect(b.Connect(ctx)).To(Succeed())

		conn := dialer.lastConn()
		Expect(conn.channels).NotTo(BeEmpty())

		var declaredExchange bool
		for _, ch := range conn.channels {
			if len(ch.declaredExchanges) > 0 {
				declaredExchange = true
			}
		}
		Expect(declaredExchange).To(BeTrue())
	})
})

func asConnectExhausted(err error, target **ConnectExhaustedError) bool {
	ce, ok := err.(*ConnectExhaustedError)
	if !ok {
		return false
	}
	*target = ce
	return true
}
