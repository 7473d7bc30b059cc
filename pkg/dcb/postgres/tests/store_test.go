package tests

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sliceworkz/eventstore-sub000/pkg/dcb"
)

func drain(it dcb.StoredEventIterator) []dcb.StoredEvent {
	defer it.Close()
	var out []dcb.StoredEvent
	for it.Next() {
		out = append(out, it.Event())
	}
	Expect(it.Err()).NotTo(HaveOccurred())
	return out
}

var _ = Describe("Postgres storage", func() {
	stream := dcb.NewStreamID("app", "domain")

	BeforeEach(func() {
		Expect(truncateTables(ctx)).To(Succeed())
	})

	Describe("Append and query", func() {
		It("assigns contiguous positions sharing one transaction id", func() {
			stored, err := store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("AccountOpened", dcb.NewTags("account", "1"), map[string]string{"owner": "a"}),
				inputEvent("MoneyDeposited", dcb.NewTags("account", "1"), map[string]int{"amount": 10}),
			}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(2))
			Expect(stored[0].Ref.Position).To(Equal(int64(1)))
			Expect(stored[1].Ref.Position).To(Equal(int64(2)))
			Expect(stored[0].Ref.TransactionID).To(Equal(stored[1].Ref.TransactionID))
			Expect(stored[0].Ref.ID).NotTo(BeEmpty())
			Expect(stored[0].OccurredAt).NotTo(BeZero())
		})

		It("filters by tags with array containment", func() {
			_, err := store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("E", dcb.NewTags("account", "1", "tenant", "t"), struct{}{}),
				inputEvent("E", dcb.NewTags("account", "2"), struct{}{}),
				inputEvent("E", dcb.NewTags("account", "1"), struct{}{}),
			}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			it, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("account", "1")), stream, dcb.ReadOptions{})
			Expect(err).NotTo(HaveOccurred())
			events := drain(it)
			Expect(events).To(HaveLen(2))
			Expect(events[0].Ref.Position).To(Equal(int64(1)))
			Expect(events[1].Ref.Position).To(Equal(int64(3)))
		})

		It("pages backwards from a cursor", func() {
			var refs []dcb.EventReference
			for i := 0; i < 5; i++ {
				stored, err := store.Append(ctx, stream, []dcb.EventToStore{
					inputEvent("E", dcb.NewTags("n", "x"), struct{}{}),
				}, dcb.AppendCondition{})
				Expect(err).NotTo(HaveOccurred())
				refs = append(refs, stored[0].Ref)
			}

			it, err := store.Query(ctx, dcb.NewQueryAll(), stream, dcb.ReadOptions{
				Direction: dcb.Backward,
				After:     &refs[3],
				Limit:     2,
			})
			Expect(err).NotTo(HaveOccurred())
			events := drain(it)
			Expect(events).To(HaveLen(2))
			Expect(events[0].Ref.Position).To(Equal(int64(3)))
			Expect(events[1].Ref.Position).To(Equal(int64(2)))
		})

		It("finds events by id", func() {
			stored, err := store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("E", dcb.NewTags("account", "1"), map[string]int{"n": 1}),
			}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			got, found, err := store.GetEventByID(ctx, stored[0].Ref.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(got.Ref).To(Equal(stored[0].Ref))
			Expect(got.Tags).To(Equal(dcb.NewTags("account", "1")))

			_, found, err = store.GetEventByID(ctx, "00000000-0000-0000-0000-000000000000")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})

		It("persists the erasable portion separately", func() {
			_, err := store.Append(ctx, stream, []dcb.EventToStore{{
				Type:         "CustomerRegistered",
				Tags:         dcb.NewTags("customer", "1"),
				Data:         []byte(`{"balance":42}`),
				ErasableData: []byte(`{"email":"john@example.com"}`),
			}}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			it, err := store.Query(ctx, dcb.NewQueryAll(), stream, dcb.ReadOptions{})
			Expect(err).NotTo(HaveOccurred())
			events := drain(it)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Data).To(MatchJSON(`{"balance":42}`))
			Expect(events[0].ErasableData).To(MatchJSON(`{"email":"john@example.com"}`))
		})
	})

	Describe("Optimistic locking", func() {
		It("rejects the whole batch when the condition matches", func() {
			_, err := store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("Claimed", dcb.NewTags("key", "k"), struct{}{}),
			}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			condition := dcb.NewAppendCondition(dcb.NewQuery(dcb.NewTags("key", "k"), "Claimed"))
			_, err = store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("Claimed", dcb.NewTags("key", "k"), struct{}{}),
				inputEvent("Audit", nil, struct{}{}),
			}, condition)
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

			it, err := store.Query(ctx, dcb.NewQueryAll(), stream, dcb.ReadOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(drain(it)).To(HaveLen(1))
		})

		It("lets exactly one concurrent claim win", func() {
			condition := dcb.NewAppendCondition(dcb.NewQuery(dcb.NewTags("key", "race"), "Claimed"))

			var wg sync.WaitGroup
			results := make(chan error, 8)
			start := make(chan struct{})
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					<-start
					_, err := store.Append(ctx, stream, []dcb.EventToStore{
						inputEvent("Claimed", dcb.NewTags("key", "race"), struct{}{}),
					}, condition)
					results <- err
				}()
			}
			close(start)
			wg.Wait()
			close(results)

			succeeded := 0
			for err := range results {
				if err == nil {
					succeeded++
				} else {
					Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
				}
			}
			Expect(succeeded).To(Equal(1))
		})

		It("honors the after cursor of a condition", func() {
			first, err := store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("E", dcb.NewTags("k", "v"), struct{}{}),
			}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			condition := dcb.NewAppendCondition(dcb.NewQuery(dcb.NewTags("k", "v"))).WithAfter(first[0].Ref)
			_, err = store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("E", dcb.NewTags("k", "v"), struct{}{}),
			}, condition)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("E", nil, struct{}{}),
			}, condition)
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})
	})

	Describe("Idempotent append", func() {
		It("returns the original record on replay", func() {
			keyed := dcb.EventToStore{
				Type:           "AccountOpened",
				Tags:           dcb.NewTags("account", "1"),
				Data:           []byte(`{}`),
				IdempotencyKey: "open-1",
			}
			first, err := store.Append(ctx, stream, []dcb.EventToStore{keyed}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			second, err := store.Append(ctx, stream, []dcb.EventToStore{keyed}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())
			Expect(second[0].Ref).To(Equal(first[0].Ref))

			// A different stream may reuse the key.
			other := dcb.NewStreamID("app", "other")
			stored, err := store.Append(ctx, other, []dcb.EventToStore{keyed}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored[0].Ref).NotTo(Equal(first[0].Ref))

			it, err := store.Query(ctx, dcb.NewQueryAll(), dcb.AnyStream, dcb.ReadOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(drain(it)).To(HaveLen(2))
		})
	})

	Describe("Bookmarks", func() {
		It("upserts and removes reader bookmarks", func() {
			stored, err := store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("E", nil, struct{}{}),
				inputEvent("E", nil, struct{}{}),
			}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.PutBookmark(ctx, "reader", stored[0].Ref, dcb.NewTags("host", "a"))).To(Succeed())
			Expect(store.PutBookmark(ctx, "reader", stored[1].Ref, dcb.NewTags("host", "b"))).To(Succeed())

			bookmark, found, err := store.GetBookmark(ctx, "reader")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(bookmark.Ref).To(Equal(stored[1].Ref))
			Expect(bookmark.Tags).To(Equal(dcb.NewTags("host", "b")))

			removed, found, err := store.RemoveBookmark(ctx, "reader")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(removed.Ref).To(Equal(stored[1].Ref))

			_, found, err = store.GetBookmark(ctx, "reader")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
	})

	Describe("Notifications", func() {
		It("delivers append notifications through LISTEN/NOTIFY", func() {
			var mu sync.Mutex
			var received []dcb.AppendNotification
			fabric := dcb.NewNotificationFabric(store, dcb.FabricConfig{})
			defer fabric.Stop()
			fabric.SubscribeAppends(dcb.AnyStream, func(n dcb.AppendNotification) (dcb.EventReference, error) {
				mu.Lock()
				defer mu.Unlock()
				received = append(received, n)
				return n.LastRef, nil
			})

			// LISTEN needs a moment to attach before the write.
			time.Sleep(500 * time.Millisecond)

			_, err := store.Append(ctx, stream, []dcb.EventToStore{
				inputEvent("E", dcb.NewTags("k", "v"), struct{}{}),
			}, dcb.AppendCondition{})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(received)
			}, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))

			mu.Lock()
			defer mu.Unlock()
			Expect(received[0].Stream).To(Equal(stream))
			Expect(received[0].LastRef.Position).To(BeNumerically(">=", 1))
		})
	})
})
