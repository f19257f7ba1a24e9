package dcb

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Notification Listener", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("wakes subscribers once per append statement", func() {
		listener := NewNotificationListener(dsn)

		var wakeups atomic.Int32
		listener.Subscribe(func() { wakeups.Add(1) })

		Expect(listener.Start(ctx)).To(Succeed())
		defer func() {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			listener.Stop(stopCtx)
		}()

		// One batch insert is one statement, so one notification regardless of
		// batch size.
		_, err := store.Append(ctx, NewEventBatch(
			NewInputEvent("notified", toJSON(map[string]any{"n": 1})),
			NewInputEvent("notified", toJSON(map[string]any{"n": 2})),
			NewInputEvent("notified", toJSON(map[string]any{"n": 3})),
		), nil)
		Expect(err).NotTo(HaveOccurred())

		Eventually(wakeups.Load, 10*time.Second, 20*time.Millisecond).
			Should(BeNumerically(">=", 1))
		Consistently(wakeups.Load, 500*time.Millisecond, 50*time.Millisecond).
			Should(BeNumerically("<=", 1))
	})

	It("stops delivering after unsubscribe", func() {
		listener := NewNotificationListener(dsn)

		var first, second atomic.Int32
		unsubscribe := listener.Subscribe(func() { first.Add(1) })
		listener.Subscribe(func() { second.Add(1) })

		Expect(listener.Start(ctx)).To(Succeed())
		defer func() {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			listener.Stop(stopCtx)
		}()

		unsubscribe()

		_, err := store.Append(ctx,
			NewEventBatch(NewInputEvent("notified", toJSON(map[string]any{"n": 1}))), nil)
		Expect(err).NotTo(HaveOccurred())

		Eventually(second.Load, 10*time.Second, 20*time.Millisecond).
			Should(BeNumerically(">=", 1))
		Expect(first.Load()).To(BeZero())
	})

	It("refuses a second start", func() {
		listener := NewNotificationListener(dsn)
		Expect(listener.Start(ctx)).To(Succeed())
		defer func() {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			listener.Stop(stopCtx)
		}()

		Expect(listener.Start(ctx)).To(HaveOccurred())
	})
})
