package tests

import (
	"context"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sliceworkz/eventstore-sub000/pkg/dcb"
)

var _ = Describe("Append and read back", func() {
	var (
		ctx    context.Context
		stream *dcb.EventStream
	)

	BeforeEach(func() {
		ctx = context.Background()
		stream, _ = newStream()
	})

	It("returns the single appended event on a match-all query", func() {
		stored, err := stream.Append(ctx, []dcb.InputEvent{
			accountEvent("AccountOpened", "1", map[string]string{"a": "1"}),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(HaveLen(1))

		events, err := stream.Query(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Ref.Position).To(Equal(int64(1)))
		Expect(events[0].Ref.TransactionID).To(Equal(stored[0].Ref.TransactionID))
		Expect(events[0].Type).To(Equal("AccountOpened"))
	})

	It("finds every committed event by id", func() {
		stored, err := stream.Append(ctx, []dcb.InputEvent{
			accountEvent("AccountOpened", "1", map[string]string{}),
			accountEvent("MoneyDeposited", "1", map[string]int{"amount": 10}),
		})
		Expect(err).NotTo(HaveOccurred())

		for _, s := range stored {
			got, found, err := stream.GetEventByID(ctx, s.Ref.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(got.Ref).To(Equal(s.Ref))
			Expect(got.Tags).To(Equal(s.Tags))
		}
	})
})

var _ = Describe("Optimistic locking", func() {
	var (
		ctx    context.Context
		stream *dcb.EventStream
	)

	BeforeEach(func() {
		ctx = context.Background()
		stream, _ = newStream()
	})

	It("rejects an append when a newer matching event exists", func() {
		_, err := stream.Append(ctx, []dcb.InputEvent{
			accountEvent("AccountOpened", "1", map[string]string{}),
			accountEvent("AccountOpened", "2", map[string]string{}),
			accountEvent("AccountOpened", "3", map[string]string{}),
			accountEvent("MoneyDeposited", "1", map[string]int{"amount": 800}),
			accountEvent("MoneyDeposited", "2", map[string]int{"amount": 200}),
		})
		Expect(err).NotTo(HaveOccurred())

		query := dcb.NewQuery(dcb.NewTags("account", "1"))
		matches, err := stream.Query(ctx, query, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(matches).To(HaveLen(2))
		Expect(matches[0].Ref.Position).To(Equal(int64(1)))
		Expect(matches[1].Ref.Position).To(Equal(int64(4)))

		lastRef := matches[1].Ref

		// A third party interleaves a write on the same account.
		_, err = stream.Append(ctx, []dcb.InputEvent{
			accountEvent("MoneyWithdrawn", "1", map[string]int{"amount": 100}),
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = stream.AppendIf(ctx, []dcb.InputEvent{
			accountEvent("MoneyTransfered", "1", map[string]any{"to": "2", "amount": 200}),
		}, dcb.NewAppendCondition(query).WithAfter(lastRef))
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

		// The rejected batch consumed nothing: the log still ends at the
		// third party's write.
		all, err := stream.Query(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(6))
		Expect(all[len(all)-1].Ref.Position).To(Equal(int64(6)))
	})

	It("enforces an empty-stream expectation under concurrency", func() {
		_, err := stream.Append(ctx, []dcb.InputEvent{
			accountEvent("FirstDomainEvent", "1", map[string]string{}),
		})
		Expect(err).NotTo(HaveOccurred())

		// An expected-empty append races against the committed event.
		var wg sync.WaitGroup
		results := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := stream.AppendIf(ctx, []dcb.InputEvent{
					accountEvent("FirstDomainEvent", "1", map[string]string{}),
				}, dcb.NewAppendCondition(dcb.NewQueryAll()))
				results <- err
			}()
		}
		wg.Wait()
		close(results)
		for err := range results {
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		}

		// Unconditionally the same event goes through.
		stored, err := stream.Append(ctx, []dcb.InputEvent{
			accountEvent("FirstDomainEvent", "1", map[string]string{}),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(stored[0].Ref.Position).To(Equal(int64(2)))
	})

	It("linearizes concurrent appends with overlapping criteria", func() {
		key := "concurrent"
		condition := dcb.NewAppendCondition(dcb.NewQuery(dcb.NewTags("key", key), "Claimed"))

		start := make(chan struct{})
		results := make(chan error, 10)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer GinkgoRecover()
				defer wg.Done()
				<-start
				_, err := stream.AppendIf(ctx, []dcb.InputEvent{
					dcb.NewInputEvent("Claimed", dcb.NewTags("key", key), dcb.ToJSON(map[string]int{"n": n})),
				}, condition)
				results <- err
			}(i)
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
		Expect(succeeded).To(Equal(1), "exactly one claim wins")
	})
})

var _ = Describe("Idempotent append", func() {
	var (
		ctx    context.Context
		stream *dcb.EventStream
	)

	BeforeEach(func() {
		ctx = context.Background()
		stream, _ = newStream()
	})

	It("writes at most one event per key and stream", func() {
		event := dcb.NewEvent("AccountOpened").
			WithTag("account", "1").
			WithData(map[string]string{"owner": "a"}).
			WithIdempotencyKey("open-account-1").
			Build()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := stream.Append(ctx, []dcb.InputEvent{event})
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()

		events, err := stream.Query(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})
})

var _ = Describe("Backward-paged tag queries", func() {
	var (
		ctx    context.Context
		stream *dcb.EventStream
		refs   map[int64]dcb.EventReference
	)

	BeforeEach(func() {
		ctx = context.Background()
		stream, _ = newStream()
		refs = make(map[int64]dcb.EventReference)

		tagged := map[int64]bool{1: true, 4: true, 7: true, 8: true, 10: true}
		for pos := int64(1); pos <= 11; pos++ {
			tags := dcb.NewTags("n", fmt.Sprint(pos))
			if tagged[pos] {
				tags = append(tags, dcb.NewTag("account", "1"))
			}
			stored, err := stream.Append(ctx, []dcb.InputEvent{
				dcb.NewInputEvent("E", tags, dcb.ToJSON(struct{}{})),
			})
			Expect(err).NotTo(HaveOccurred())
			refs[pos] = stored[0].Ref
		}
	})

	positionsOf := func(events []dcb.Event) []int64 {
		out := make([]int64, len(events))
		for i, e := range events {
			out[i] = e.Ref.Position
		}
		return out
	}

	It("yields the newest matches first under a limit", func() {
		events, err := stream.QueryBackwards(ctx, dcb.NewQuery(dcb.NewTags("account", "1")), &dcb.ReadOptions{Limit: 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(positionsOf(events)).To(Equal([]int64{10, 8, 7}))
	})

	It("starts strictly below the cursor", func() {
		before := refs[5]
		events, err := stream.QueryBackwards(ctx, dcb.NewQuery(dcb.NewTags("account", "1")), &dcb.ReadOptions{After: &before})
		Expect(err).NotTo(HaveOccurred())
		Expect(positionsOf(events)).To(Equal([]int64{4, 1}))
	})

	It("resolves the cursor by position even when it does not match", func() {
		// Position 5 carries no account tag; what follows it is unaffected.
		after := refs[5]
		events, err := stream.Query(ctx, dcb.NewQuery(dcb.NewTags("account", "1")), &dcb.ReadOptions{After: &after})
		Expect(err).NotTo(HaveOccurred())
		Expect(positionsOf(events)).To(Equal([]int64{7, 8, 10}))
	})

	It("truncates forward reads at the until bound, inclusive", func() {
		query := dcb.NewQuery(dcb.NewTags("account", "1")).WithUntil(refs[7])
		events, err := stream.Query(ctx, query, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(positionsOf(events)).To(Equal([]int64{1, 4, 7}))
	})
})

var _ = Describe("Projection with bookmark", func() {
	It("resumes from the stored bookmark on each run", func() {
		ctx := context.Background()
		stream, _ := newStream()

		register := func(n int) {
			_, err := stream.Append(ctx, []dcb.InputEvent{
				dcb.NewInputEvent("CustomerRegistered", dcb.NewTags("customer", fmt.Sprint(n)), dcb.ToJSON(struct{}{})),
			})
			Expect(err).NotTo(HaveOccurred())
		}
		for n := 1; n <= 3; n++ {
			register(n)
		}

		count := 0
		projector, err := dcb.NewProjector(ctx, stream, dcb.Projection{
			Query: dcb.NewQuery(nil, "CustomerRegistered"),
			Handler: dcb.EventHandlerFunc(func(ctx context.Context, e dcb.Event) error {
				count++
				return nil
			}),
		}, dcb.ProjectorOptions{Reader: "registrations"})
		Expect(err).NotTo(HaveOccurred())

		_, err = projector.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(3))

		bookmark, found, err := stream.Storage().GetBookmark(ctx, "registrations")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(bookmark.Ref.Position).To(Equal(int64(3)))

		register(4)
		register(5)

		metrics, err := projector.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(5))
		Expect(metrics.EventsStreamed).To(Equal(int64(2)))
		Expect(metrics.EventsHandled).To(Equal(int64(2)))
		Expect(metrics.QueriesDone).To(Equal(int64(1)))
		Expect(metrics.LastRef).NotTo(BeNil())
		Expect(metrics.LastRef.Position).To(Equal(int64(5)))
	})

	It("terminates on a finite log with the cursor at the last match", func() {
		ctx := context.Background()
		stream, _ := newStream()

		var matchRef dcb.EventReference
		for i := 0; i < 4; i++ {
			eventType := "Noise"
			if i == 2 {
				eventType = "Interesting"
			}
			stored, err := stream.Append(ctx, []dcb.InputEvent{
				dcb.NewInputEvent(eventType, nil, dcb.ToJSON(struct{}{})),
			})
			Expect(err).NotTo(HaveOccurred())
			if eventType == "Interesting" {
				matchRef = stored[0].Ref
			}
		}

		projector, err := dcb.NewProjector(ctx, stream, dcb.Projection{
			Query:   dcb.NewQuery(nil, "Interesting"),
			Handler: dcb.EventHandlerFunc(func(ctx context.Context, e dcb.Event) error { return nil }),
		}, dcb.ProjectorOptions{})
		Expect(err).NotTo(HaveOccurred())

		metrics, err := projector.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(metrics.LastRef).NotTo(BeNil())
		Expect(*metrics.LastRef).To(Equal(matchRef))
	})
})
