package dcb

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Event Store: appending and loading", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("loads appended events in position order with the boundary version", func() {
		stored, err := store.Append(ctx, NewEventBatch(
			NewInputEvent("A", toJSON(map[string]any{"n": 1})),
			NewInputEvent("A", toJSON(map[string]any{"n": 2})),
		), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(HaveLen(2))
		Expect(stored[1].GlobalPosition).To(BeNumerically(">", stored[0].GlobalPosition))
		Expect(stored[0].EventID).NotTo(BeEmpty())

		result, err := store.Load(ctx, EventsOfType("A"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events).To(HaveLen(2))
		Expect(result.Version).To(Equal(stored[1].GlobalPosition))
	})

	It("filters by a top-level payload attribute", func() {
		_, err := store.Append(ctx, NewEventBatch(
			NewInputEvent("A", toJSON(map[string]any{"n": 1})),
			NewInputEvent("A", toJSON(map[string]any{"n": 2})),
		), nil)
		Expect(err).NotTo(HaveOccurred())

		result, err := store.Load(ctx, EventsOfType("A").Where(Key("n").Equals(1)))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events).To(HaveLen(1))
		Expect(result.Events[0].Payload).To(MatchJSON(`{"n":1}`))
	})

	It("combines attribute filters with OR", func() {
		_, err := store.Append(ctx, NewEventBatch(
			NewInputEvent("X", toJSON(map[string]any{"s": "p"})),
			NewInputEvent("X", toJSON(map[string]any{"s": "a"})),
			NewInputEvent("X", toJSON(map[string]any{"s": "c"})),
		), nil)
		Expect(err).NotTo(HaveOccurred())

		result, err := store.Load(ctx,
			EventsOfType("X").Or(Key("s").Equals("p")).Or(Key("s").Equals("a")))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events).To(HaveLen(2))
	})

	It("matches null, zero and false attribute values", func() {
		_, err := store.Append(ctx, NewEventBatch(
			NewInputEvent("V", toJSON(map[string]any{"v": nil})),
			NewInputEvent("V", toJSON(map[string]any{"v": 0})),
			NewInputEvent("V", toJSON(map[string]any{"v": false})),
		), nil)
		Expect(err).NotTo(HaveOccurred())

		for _, value := range []any{nil, 0, false} {
			result, err := store.Load(ctx, EventsOfType("V").Where(Key("v").Equals(value)))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events).To(HaveLen(1), "value %v", value)
		}
	})

	It("round-trips metadata and leaves it nil when absent", func() {
		stored, err := store.Append(ctx, NewEventBatch(
			NewInputEvent("M", toJSON(map[string]any{"n": 1})).
				WithMetadata(toJSON(map[string]string{"source": "import"})),
			NewInputEvent("M", toJSON(map[string]any{"n": 2})),
		), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored[0].Metadata).To(MatchJSON(`{"source":"import"}`))
		Expect(stored[1].Metadata).To(BeNil())
	})

	It("rejects an empty batch and an empty query", func() {
		_, err := store.Append(ctx, nil, nil)
		Expect(IsValidationError(err)).To(BeTrue())

		_, err = store.Load(ctx, Query{})
		Expect(IsValidationError(err)).To(BeTrue())
	})

	It("returns version zero for an empty boundary", func() {
		result, err := store.Load(ctx, EventsOfType("nothing-here"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events).To(BeEmpty())
		Expect(result.Version).To(BeZero())
	})
})

var _ = Describe("Event Store: DCB concurrency control", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("accepts a conditional append at the expected version and rejects a stale one", func() {
		boundary := EventsOfType("O")

		first, err := store.Append(ctx,
			NewEventBatch(NewInputEvent("O", toJSON(map[string]any{"n": 1}))),
			&AppendOptions{Query: boundary, ExpectedVersion: 0})
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(HaveLen(1))

		_, err = store.Append(ctx,
			NewEventBatch(NewInputEvent("O", toJSON(map[string]any{"n": 2}))),
			&AppendOptions{Query: boundary, ExpectedVersion: 0})
		Expect(IsConcurrencyError(err)).To(BeTrue())

		concErr, ok := AsConcurrencyError(err)
		Expect(ok).To(BeTrue())
		Expect(concErr.ExpectedVersion).To(Equal(int64(0)))
		Expect(concErr.ActualVersion).To(Equal(first[0].GlobalPosition))

		// The losing append persisted nothing.
		result, err := store.Load(ctx, boundary)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events).To(HaveLen(1))
	})

	It("linearises two parallel appends against the same boundary", func() {
		secondPool, err := newTestPool(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer secondPool.Close()
		secondStore, err := NewEventStore(ctx, secondPool)
		Expect(err).NotTo(HaveOccurred())

		boundary := EventsOfType("race").Where(Key("id").Equals("r1"))
		payload := toJSON(map[string]any{"id": "r1"})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, s := range []EventStore{store, secondStore} {
			wg.Add(1)
			go func(i int, s EventStore) {
				defer wg.Done()
				defer GinkgoRecover()
				_, errs[i] = s.Append(ctx,
					NewEventBatch(NewInputEvent("race", payload)),
					&AppendOptions{Query: boundary, ExpectedVersion: 0})
			}(i, s)
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				Expect(IsConcurrencyError(err)).To(BeTrue())
				failures++
			}
		}
		Expect(failures).To(Equal(1), "exactly one of two racing appends must fail")

		result, err := store.Load(ctx, boundary)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Events).To(HaveLen(1))
	})

	It("serialises on the concurrency query when one is given", func() {
		wide := EventsOfType("assigned").EventsOfType("dismissed")

		_, err := store.Append(ctx,
			NewEventBatch(NewInputEvent("assigned", toJSON(map[string]any{"task": "t1"}))),
			&AppendOptions{Query: EventsOfType("assigned"), ExpectedVersion: 0, ConcurrencyQuery: &wide})
		Expect(err).NotTo(HaveOccurred())

		// The wide boundary has moved, so a writer expecting it unchanged fails
		// even though its own query stream is empty.
		_, err = store.Append(ctx,
			NewEventBatch(NewInputEvent("dismissed", toJSON(map[string]any{"task": "t1"}))),
			&AppendOptions{Query: EventsOfType("dismissed"), ExpectedVersion: 0, ConcurrencyQuery: &wide})
		Expect(IsConcurrencyError(err)).To(BeTrue())
	})
})

var _ = Describe("Event Store: streaming", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	seed := func(n int) []StoredEvent {
		batch := make([]InputEvent, n)
		for i := range batch {
			batch[i] = NewInputEvent("S", toJSON(map[string]any{"i": i}))
		}
		stored, err := store.Append(ctx, batch, nil)
		Expect(err).NotTo(HaveOccurred())
		return stored
	}

	It("streams exactly what load returns, in the same order", func() {
		seed(25)

		loaded, err := store.Load(ctx, EventsOfType("S"))
		Expect(err).NotTo(HaveOccurred())

		it, err := store.Stream(ctx, EventsOfType("S"), &StreamOptions{BatchSize: 7})
		Expect(err).NotTo(HaveOccurred())
		streamed, err := drainAll(it)
		Expect(err).NotTo(HaveOccurred())

		Expect(streamed).To(Equal(loaded.Events))
	})

	It("starts strictly after the given position", func() {
		stored := seed(10)

		it, err := store.Stream(ctx, EventsOfType("S"), &StreamOptions{AfterPosition: stored[4].GlobalPosition})
		Expect(err).NotTo(HaveOccurred())
		streamed, err := drainAll(it)
		Expect(err).NotTo(HaveOccurred())

		Expect(streamed).To(HaveLen(5))
		Expect(streamed[0].GlobalPosition).To(Equal(stored[5].GlobalPosition))
	})

	It("tolerates early termination", func() {
		seed(20)

		it, err := store.Stream(ctx, EventsOfType("S"), &StreamOptions{BatchSize: 5})
		Expect(err).NotTo(HaveOccurred())
		Expect(it.Next()).To(BeTrue())
		Expect(it.Next()).To(BeTrue())
		Expect(it.Close()).To(Succeed())
		Expect(it.Next()).To(BeFalse())
		Expect(it.Err()).NotTo(HaveOccurred())
	})

	It("is finite with respect to the current high-water mark", func() {
		seed(3)

		it, err := store.Stream(ctx, EventsOfType("S"), nil)
		Expect(err).NotTo(HaveOccurred())
		streamed, err := drainAll(it)
		Expect(err).NotTo(HaveOccurred())
		Expect(streamed).To(HaveLen(3))

		// Picking up later writes is the caller's move: a fresh stream with an
		// updated AfterPosition.
		seed(2)
		it, err = store.Stream(ctx, EventsOfType("S"), &StreamOptions{
			AfterPosition: streamed[len(streamed)-1].GlobalPosition,
		})
		Expect(err).NotTo(HaveOccurred())
		more, err := drainAll(it)
		Expect(err).NotTo(HaveOccurred())
		Expect(more).To(HaveLen(2))
	})
})
