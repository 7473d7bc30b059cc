package dcb

import (
	"context"
	"fmt"
)

// EventHandler consumes events delivered by a projector.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc allows using functions as EventHandler implementations.
type EventHandlerFunc func(ctx context.Context, event Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// BatchHandler is an EventHandler with batch lifecycle hooks. BeforeBatch
// runs before the first matching event of an underlying query iteration;
// it is skipped when the batch yields no matching events. AfterBatch runs
// only on successful completion of such a batch, with the reference of the
// batch's last handled event. CancelBatch runs when the handler, BeforeBatch
// or the iteration itself fails; AfterBatch is not called in that case.
// Batch state never leaks across runs.
type BatchHandler interface {
	EventHandler
	BeforeBatch(ctx context.Context) error
	AfterBatch(ctx context.Context, lastRef *EventReference) error
	CancelBatch(ctx context.Context)
}

// Projection binds a query to an event handler.
type Projection struct {
	Query   Query
	Handler EventHandler
}

// BookmarkReadFrequency controls when a projector re-reads its bookmark.
type BookmarkReadFrequency int

const (
	// ReadBeforeEach re-reads the bookmark at the start of every run.
	ReadBeforeEach BookmarkReadFrequency = iota
	// ReadBeforeFirst reads the bookmark once, at the start of the first run.
	ReadBeforeFirst
	// ReadAtCreation reads the bookmark when the projector is constructed.
	ReadAtCreation
	// ReadManual never reads the bookmark implicitly.
	ReadManual
)

func (f BookmarkReadFrequency) String() string {
	switch f {
	case ReadBeforeEach:
		return "BEFORE_EACH"
	case ReadBeforeFirst:
		return "BEFORE_FIRST"
	case ReadAtCreation:
		return "AT_CREATION"
	case ReadManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// ProjectorOptions is the plain configuration record of a projector.
type ProjectorOptions struct {
	// StartAfter positions the cursor before the first run; a bookmark read
	// overrides it.
	StartAfter *EventReference

	// BatchSize is the maximum number of events per underlying query.
	// Defaults to 500.
	BatchSize int

	// Reader enables bookmark persistence under the given name.
	Reader string

	// BookmarkTags are stored alongside the bookmark.
	BookmarkTags Tags

	// ReadFrequency controls bookmark reads. Defaults to ReadBeforeEach.
	ReadFrequency BookmarkReadFrequency

	// RunUntil bounds a run to events at or before the reference.
	RunUntil *EventReference
}

// Metrics summarizes a projector run.
type Metrics struct {
	EventsStreamed int64
	EventsHandled  int64
	QueriesDone    int64
	LastRef        *EventReference
}

func (m *Metrics) add(other Metrics) {
	m.EventsStreamed += other.EventsStreamed
	m.EventsHandled += other.EventsHandled
	m.QueriesDone += other.QueriesDone
	if other.LastRef != nil {
		m.LastRef = other.LastRef
	}
}

// Projector drives a projection against a stream facade: resumable,
// bookmark-tracked batched replay of the projection's query.
type Projector struct {
	stream     *EventStream
	projection Projection
	opts       ProjectorOptions

	cursor   *EventReference
	firstRun bool
	totals   Metrics
}

// NewProjector creates a projector for the given projection. With the
// ReadAtCreation frequency the bookmark is read immediately.
func NewProjector(ctx context.Context, stream *EventStream, projection Projection, opts ProjectorOptions) (*Projector, error) {
	if stream == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "newProjector", Err: fmt.Errorf("stream cannot be nil")},
			Field:           "stream",
			Value:           "nil",
		}
	}
	if projection.Handler == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "newProjector", Err: fmt.Errorf("projection handler cannot be nil")},
			Field:           "handler",
			Value:           "nil",
		}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Reader == "" && opts.ReadFrequency != ReadManual {
		opts.ReadFrequency = ReadManual
	}

	p := &Projector{
		stream:     stream,
		projection: projection,
		opts:       opts,
		cursor:     opts.StartAfter,
		firstRun:   true,
	}
	if opts.ReadFrequency == ReadAtCreation {
		if err := p.ReadBookmark(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Cursor returns the projector's current cursor, nil before any progress.
func (p *Projector) Cursor() *EventReference { return p.cursor }

// Totals returns the metrics accumulated across all runs.
func (p *Projector) Totals() Metrics { return p.totals }

// ReadBookmark loads the persisted bookmark into the cursor, if one exists.
func (p *Projector) ReadBookmark(ctx context.Context) error {
	if p.opts.Reader == "" {
		return nil
	}
	bookmark, found, err := p.stream.Storage().GetBookmark(ctx, p.opts.Reader)
	if err != nil {
		return err
	}
	if found {
		ref := bookmark.Ref
		p.cursor = &ref
	}
	return nil
}

// Run replays all events matching the projection's query from the cursor to
// the end of the log, delivering them to the handler in batches. Returns the
// metrics of this run; totals accumulate on the projector.
func (p *Projector) Run(ctx context.Context) (Metrics, error) {
	return p.run(ctx, false)
}

// RunSingleBatch replays at most one batch.
func (p *Projector) RunSingleBatch(ctx context.Context) (Metrics, error) {
	return p.run(ctx, true)
}

func (p *Projector) run(ctx context.Context, singleBatch bool) (Metrics, error) {
	if !p.stream.projSem.TryAcquire(1) {
		return Metrics{}, &TooManyProjectionsError{
			EventStoreError: EventStoreError{Op: "run", Err: fmt.Errorf("too many concurrent projections")},
			MaxConcurrent:   int(p.stream.config.MaxConcurrentProjections),
		}
	}
	defer p.stream.projSem.Release(1)

	switch p.opts.ReadFrequency {
	case ReadBeforeEach:
		if err := p.ReadBookmark(ctx); err != nil {
			return Metrics{}, err
		}
	case ReadBeforeFirst:
		if p.firstRun {
			if err := p.ReadBookmark(ctx); err != nil {
				return Metrics{}, err
			}
		}
	}
	p.firstRun = false

	query := p.projection.Query
	if p.opts.RunUntil != nil {
		query = query.UntilIfEarlier(*p.opts.RunUntil)
	}

	var run Metrics
	startCursor := p.cursor
	for {
		streamed, handled, err := p.runBatch(ctx, query)
		run.EventsStreamed += streamed
		run.EventsHandled += handled
		run.QueriesDone++
		if err != nil {
			if persistErr := p.persistProgress(ctx, startCursor); persistErr != nil {
				p.stream.config.Logger.WithField("reader", p.opts.Reader).
					WithError(persistErr).Warn("failed to persist bookmark after projection error")
			}
			p.totals.add(run)
			return run, err
		}
		if singleBatch || streamed < int64(p.opts.BatchSize) {
			break
		}
	}
	run.LastRef = p.cursor

	if err := p.persistProgress(ctx, startCursor); err != nil {
		p.totals.add(run)
		return run, err
	}
	p.totals.add(run)
	return run, nil
}

// runBatch executes one underlying query and delivers its matching events.
// On failure the cursor rolls back to the last handled event so a resumed
// run redelivers the offending one.
func (p *Projector) runBatch(ctx context.Context, query Query) (streamed, handled int64, err error) {
	batchStart := p.cursor
	it, err := p.stream.QueryStream(ctx, query, &ReadOptions{
		After:     p.cursor,
		Limit:     p.opts.BatchSize,
		BatchSize: p.opts.BatchSize,
	})
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	batchHandler, hooked := p.projection.Handler.(BatchHandler)
	inBatch := false
	var lastHandled *EventReference

	fail := func(cause error, ref *EventReference) error {
		if hooked {
			batchHandler.CancelBatch(ctx)
		}
		if lastHandled != nil {
			p.cursor = lastHandled
		} else {
			p.cursor = batchStart
		}
		return &ProjectorError{
			EventStoreError: EventStoreError{Op: "project", Err: cause},
			OffendingRef:    ref,
		}
	}

	for it.Next() {
		event := it.Event()
		streamed++
		ref := event.Ref
		p.cursor = &ref

		// The iterator already filters, but re-checking keeps the loop
		// robust against upcasting differences between engine and handler.
		if !query.Matches(event) {
			continue
		}

		if hooked && !inBatch {
			if err := batchHandler.BeforeBatch(ctx); err != nil {
				return streamed, handled, fail(err, &ref)
			}
			inBatch = true
		}
		if err := p.projection.Handler.Handle(ctx, event); err != nil {
			return streamed, handled, fail(err, &ref)
		}
		handled++
		lastHandled = &ref
	}
	if err := it.Err(); err != nil {
		return streamed, handled, fail(err, p.cursor)
	}

	if hooked && inBatch {
		if err := batchHandler.AfterBatch(ctx, lastHandled); err != nil {
			return streamed, handled, fail(err, lastHandled)
		}
	}
	return streamed, handled, nil
}

// persistProgress upserts the bookmark when enabled and the cursor moved.
func (p *Projector) persistProgress(ctx context.Context, startCursor *EventReference) error {
	if p.opts.Reader == "" || p.cursor == nil {
		return nil
	}
	if startCursor != nil && *startCursor == *p.cursor {
		return nil
	}
	return p.stream.Storage().PutBookmark(ctx, p.opts.Reader, *p.cursor, p.opts.BookmarkTags)
}

// =============================================================================
// Decision-model projection
// =============================================================================

// StateProjector defines how to fold a state from events: the query that
// selects them, the initial state and the transition function.
type StateProjector struct {
	ID           string
	Query        Query
	InitialState any
	TransitionFn func(state any, event Event) any
}

// Project folds the given state projectors over all matching events after
// the optional cursor and returns the final states together with the append
// condition that protects a decision based on them: fail if any event
// matching the combined query is committed after the last one seen.
func (s *EventStream) Project(ctx context.Context, projectors []StateProjector, after *EventReference) (map[string]any, AppendCondition, error) {
	if len(projectors) == 0 {
		return nil, AppendCondition{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "project", Err: fmt.Errorf("at least one projector is required")},
			Field:           "projectors",
			Value:           "empty",
		}
	}

	combined := NewQueryNone()
	states := make(map[string]any, len(projectors))
	for _, sp := range projectors {
		combined = combined.CombineWith(sp.Query)
		states[sp.ID] = sp.InitialState
	}

	it, err := s.QueryStream(ctx, combined, &ReadOptions{After: after})
	if err != nil {
		return nil, AppendCondition{}, err
	}
	defer it.Close()

	lastRef := after
	for it.Next() {
		event := it.Event()
		ref := event.Ref
		lastRef = &ref
		for _, sp := range projectors {
			if sp.Query.Matches(event) && sp.TransitionFn != nil {
				states[sp.ID] = sp.TransitionFn(states[sp.ID], event)
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, AppendCondition{}, err
	}

	condition := NewAppendCondition(combined)
	if lastRef != nil {
		condition = condition.WithAfter(*lastRef)
	}
	return states, condition, nil
}
