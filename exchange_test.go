package brocker

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Exchange facade", func() {
	var (
		ctx    context.Context
		dialer *fakeDialer
		b      *Broker
	)

	BeforeEach(func() {
		ctx = context.Background()
		dialer = newFakeDialer()
		var err error
		b, err = NewBroker(Config{
			Connection: "amqp://guest:guest@h1:5672/",
			Exchanges: map[string]ExchangeSpec{
				"orders": {Type: ExchangeTopic},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)
		Expect(b.Connect(ctx)).To(Succeed())
	})

	It("declares the exchange exactly once across repeated Assert calls", func() {
		exch := b.Exchange("orders")
		Expect(exch.Assert(ctx)).To(Succeed())
		Expect(exch.Assert(ctx)).To(Succeed())

		conn := dialer.lastConn()
		var declares int
		for _, ch := range conn.channels {
			declares += len(ch.declaredExchanges)
		}
		Expect(declares).To(Equal(1))
	})

	It("publishes an encoded message under the given routing key", func() {
		exch := b.Exchange("orders")
		Expect(exch.Pub(ctx, "orders.created", map[string]string{"id": "1"})).To(Succeed())

		conn := dialer.lastConn()
		var published bool
		for _, ch := range conn.channels {
			if len(ch.published) > 0 {
				published = true
				Expect(ch.published[0].ContentType).To(Equal(contentTypeJSON))
			}
		}
		Expect(published).To(BeTrue())
	})

	It("resolves exchange type from Fanout/Topics/Direct shorthand", func() {
		fanout := ExchangeSpec{Fanout: []string{"q"}}
		Expect(fanout.resolveType()).To(Equal(ExchangeFanout))

		topic := ExchangeSpec{Topics: map[string][]string{"rk": {"q"}}}
		Expect(topic.resolveType()).To(Equal(ExchangeTopic))

		direct := ExchangeSpec{Direct: map[string][]string{"rk": {"q"}}}
		Expect(direct.resolveType()).To(Equal(ExchangeDirect))

		explicit := ExchangeSpec{Type: ExchangeHeaders, Fanout: []string{"q"}}
		Expect(explicit.resolveType()).To(Equal(ExchangeHeaders))

		Expect(ExchangeSpec{}.resolveType()).To(Equal(ExchangeTopic))
	})
})
