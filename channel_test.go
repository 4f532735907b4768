package brocker

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Channel self-heal", func() {
	var (
		ctx    context.Context
		dialer *fakeDialer
		b      *Broker
	)

	BeforeEach(func() {
		ctx = context.Background()
		dialer = newFakeDialer()
		var err error
		b, err = NewBroker(Config{Connection: "amqp://guest:guest@h1:5672/"})
		Expect(err).NotTo(HaveOccurred())
		b.WithDialer(dialer)
		Expect(b.Connect(ctx)).To(Succeed())
	})

	It("reopens a channel that closes spontaneously while the connection lives", func() {
		ch := b.Channel(channelWrite)
		Expect(ch.connect(ctx)).To(Succeed())

		before, err := ch.underlyingChannel()
		Expect(err).NotTo(HaveOccurred())
		fc := before.(*fakeChannel)

		fc.triggerClose(nil)

		Eventually(ch.Connected, time.Second, 10*time.Millisecond).Should(BeTrue())

		after, err := ch.underlyingChannel()
		Expect(err).NotTo(HaveOccurred())
		Expect(after).NotTo(BeIdenticalTo(before))
	})

	It("does not reopen a channel that was closed by the user", func() {
		ch := b.Channel(channelWrite)
		Expect(ch.connect(ctx)).To(Succeed())

		Expect(ch.close(ctx)).To(Succeed())

		Consistently(ch.Connected, 200*time.Millisecond, 20*time.Millisecond).Should(BeFalse())
	})

	It("stays closed when the owning connection has already dropped", func() {
		ch := b.Channel(channelWrite)
		Expect(ch.connect(ctx)).To(Succeed())

		before, err := ch.underlyingChannel()
		Expect(err).NotTo(HaveOccurred())
		fc := before.(*fakeChannel)

		// Force every subsequent dial to fail so the Connection Manager's
		// automatic reconnect (watchConnection) cannot race this assertion
		// by silently reconnecting before the channel-level check runs.
		dialer.mu.Lock()
		dialer.dialErr = errDialFailed
		dialer.mu.Unlock()

		conn := dialer.lastConn()
		conn.triggerClose(nil)
		Eventually(b.Connected, time.Second, 10*time.Millisecond).Should(BeFalse())

		fc.triggerClose(nil)

		Consistently(ch.Connected, 200*time.Millisecond, 20*time.Millisecond).Should(BeFalse())
	})
})
