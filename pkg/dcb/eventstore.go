package dcb

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// StreamConfig contains configuration for EventStream behavior.
type StreamConfig struct {
	Codec                    Codec
	MaxBatchSize             int   // Maximum number of events in a single append batch
	MaxConcurrentProjections int64 // Cap on projector runs in flight against this stream
	Logger                   logrus.FieldLogger
}

// ConsistentListener is invoked synchronously within the append call that
// committed the batch. It receives the stored events of writes made through
// the same facade only. An error propagates to the appender; the events are
// already committed at that point, which is the design contract.
type ConsistentListener func(ctx context.Context, events []Event) error

// EventStream is the typed facade over a Storage: a view of the log keyed by
// a stream identifier, with type admission on write and upcasting on read.
// Wildcard identifiers open the facade to every matching stream but make it
// read-only.
type EventStream struct {
	storage  Storage
	id       StreamID
	registry *TypeRegistry
	config   StreamConfig
	projSem  *semaphore.Weighted

	mu         sync.Mutex
	consistent []ConsistentListener
}

// NewEventStream creates a stream facade with default configuration. A nil
// registry yields an untyped facade: no admission checks and no upcasting,
// reads return records as stored.
func NewEventStream(storage Storage, id StreamID, registry *TypeRegistry) (*EventStream, error) {
	return NewEventStreamWithConfig(storage, id, registry, StreamConfig{})
}

// NewEventStreamWithConfig creates a stream facade with custom configuration.
func NewEventStreamWithConfig(storage Storage, id StreamID, registry *TypeRegistry, config StreamConfig) (*EventStream, error) {
	if storage == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "newEventStream", Err: fmt.Errorf("storage cannot be nil")},
			Field:           "storage",
			Value:           "nil",
		}
	}
	if config.Codec == nil {
		config.Codec = DefaultCodec
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.MaxConcurrentProjections <= 0 {
		config.MaxConcurrentProjections = 100
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &EventStream{
		storage:  storage,
		id:       id,
		registry: registry,
		config:   config,
		projSem:  semaphore.NewWeighted(config.MaxConcurrentProjections),
	}, nil
}

// ID returns the stream identifier of the facade.
func (s *EventStream) ID() StreamID { return s.id }

// Storage returns the underlying storage port. Intended for infrastructure
// extensions and tests; application logic should stay on the facade.
func (s *EventStream) Storage() Storage { return s.storage }

// WithPurpose returns a new facade concretized to the given purpose. The
// receiver must have a concrete context and a wildcard purpose; the new
// facade shares storage, registry and configuration but starts with no
// consistent listeners of its own.
func (s *EventStream) WithPurpose(purpose string) (*EventStream, error) {
	if purpose == "" {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "withPurpose", Err: fmt.Errorf("purpose must not be empty")},
			Field:           "purpose",
			Value:           "empty",
		}
	}
	concrete := s.id.WithPurpose(purpose)
	if !concrete.CanAppendTo(s.id) {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "withPurpose", Err: fmt.Errorf("stream %s cannot be concretized to %s", s.id, concrete)},
			Field:           "stream",
			Value:           s.id.String(),
		}
	}
	return &EventStream{
		storage:  s.storage,
		id:       concrete,
		registry: s.registry,
		config:   s.config,
		projSem:  s.projSem,
	}, nil
}

// SubscribeConsistent registers a listener invoked synchronously after every
// append made through this facade. Returns the unsubscribe function.
func (s *EventStream) SubscribeConsistent(fn ConsistentListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consistent = append(s.consistent, fn)
	index := len(s.consistent) - 1
	unsubscribed := false
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if unsubscribed {
			return
		}
		unsubscribed = true
		s.consistent[index] = nil
	}
}

func (s *EventStream) consistentSnapshot() []ConsistentListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]ConsistentListener, 0, len(s.consistent))
	for _, fn := range s.consistent {
		if fn != nil {
			snapshot = append(snapshot, fn)
		}
	}
	return snapshot
}

// =============================================================================
// Reads
// =============================================================================

// Query reads events matching the query, materialized in the requested
// order. Fails with a LimitError when the result would exceed the storage
// absolute limit.
func (s *EventStream) Query(ctx context.Context, query Query, opts *ReadOptions) ([]Event, error) {
	it, err := s.QueryStream(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return drain(it, s.storage.AbsoluteMaxResults())
}

// QueryBackwards reads events matching the query in descending order,
// starting from the end of the log or from the options' cursor.
func (s *EventStream) QueryBackwards(ctx context.Context, query Query, opts *ReadOptions) ([]Event, error) {
	read := ReadOptions{}
	if opts != nil {
		read = *opts
	}
	read.Direction = Backward
	return s.Query(ctx, query, &read)
}

// QueryStream opens a streaming read of events matching the query. The
// iterator is single-pass and pulls record batches lazily from storage.
func (s *EventStream) QueryStream(ctx context.Context, query Query, opts *ReadOptions) (EventIterator, error) {
	read := ReadOptions{}
	if opts != nil {
		read = *opts
	}

	effective, err := EffectiveLimit(read.Limit, s.storage.AbsoluteMaxResults())
	if err != nil {
		return nil, err
	}

	stored := query
	if s.registry != nil {
		stored = s.registry.ExpandQuery(query)
	}
	source, err := s.storage.Query(ctx, stored, s.id, ReadOptions{
		After:     read.After,
		Limit:     effective,
		Direction: read.Direction,
		BatchSize: read.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	// The original query (not the legacy-expanded one) is the final gate:
	// after upcasting, events carry their current type name again.
	return newEventIterator(source, s.registry, s.config.Codec, query, read.Limit), nil
}

// GetEventByID returns the event with the given id if it exists and is
// visible to this facade's stream identifier.
func (s *EventStream) GetEventByID(ctx context.Context, id string) (Event, bool, error) {
	stored, found, err := s.storage.GetEventByID(ctx, id)
	if err != nil || !found {
		return Event{}, false, err
	}
	if !s.id.CanRead(stored.Stream) {
		return Event{}, false, nil
	}
	data, err := MergeErasable(stored.Data, stored.ErasableData)
	if err != nil {
		return Event{}, false, &EventStoreError{Op: "getEventByID", Err: err}
	}
	event, err := s.registry.upcast(s.config.Codec, stored, data)
	if err != nil {
		return Event{}, false, err
	}
	return event, true, nil
}

// Head returns the reference of the last event visible to this facade, or
// nil on an empty stream.
func (s *EventStream) Head(ctx context.Context) (*EventReference, error) {
	events, err := s.Query(ctx, NewQueryAll(), &ReadOptions{Direction: Backward, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	ref := events[0].Ref
	return &ref, nil
}

// =============================================================================
// Appends
// =============================================================================

// Append appends events unconditionally.
func (s *EventStream) Append(ctx context.Context, events []InputEvent) ([]Event, error) {
	return s.AppendIf(ctx, events, AppendCondition{})
}

// AppendIf atomically appends events under the given optimistic-lock
// condition. On a violated condition nothing is written and a
// ConcurrencyError is returned.
func (s *EventStream) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) ([]Event, error) {
	if !s.id.IsSpecific() {
		return nil, &NonSpecificStreamError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("stream %s is read-only", s.id)},
			Stream:          s.id,
		}
	}
	if len(events) == 0 {
		return nil, &BatchError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("events must not be empty")},
			Size:            0,
		}
	}
	if len(events) > s.config.MaxBatchSize {
		return nil, &BatchError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("batch size %d exceeds maximum of %d", len(events), s.config.MaxBatchSize)},
			Size:            len(events),
		}
	}

	keyed := 0
	for _, e := range events {
		if e.IdempotencyKey != "" {
			keyed++
		}
	}
	if keyed > 0 && len(events) > 1 {
		return nil, &BatchError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("idempotency keys are only permitted on single-event batches")},
			Size:            len(events),
		}
	}

	toStore := make([]EventToStore, len(events))
	for i, e := range events {
		record, err := s.prepare(e, i)
		if err != nil {
			return nil, err
		}
		toStore[i] = record
	}

	storedEvents, err := s.storage.Append(ctx, s.id, toStore, condition)
	if err != nil {
		return nil, err
	}

	result := make([]Event, len(storedEvents))
	for i, stored := range storedEvents {
		data, err := MergeErasable(stored.Data, stored.ErasableData)
		if err != nil {
			return nil, &EventStoreError{Op: "append", Err: err}
		}
		event, err := s.registry.upcast(s.config.Codec, stored, data)
		if err != nil {
			return nil, err
		}
		result[i] = event
	}

	for _, fn := range s.consistentSnapshot() {
		if err := fn(ctx, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// prepare validates a single input event and derives its storage record:
// admission, tag validation, codec round-trip and the erasure split.
func (s *EventStream) prepare(e InputEvent, index int) (EventToStore, error) {
	if e.Type == "" {
		return EventToStore{}, &ValidationError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has empty type", index)},
			Field:           "type",
			Value:           "empty",
		}
	}
	for _, t := range e.Tags {
		if t.IsZero() {
			return EventToStore{}, &ValidationError{
				EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has a tag with empty key and value", index)},
				Field:           "tag",
				Value:           "empty",
			}
		}
	}

	record := EventToStore{
		Type:           e.Type,
		Tags:           e.Tags.Normalize(),
		Data:           e.Data,
		IdempotencyKey: e.IdempotencyKey,
	}
	if s.registry == nil {
		return record, nil
	}

	et, ok := s.registry.Current(e.Type)
	if !ok {
		return EventToStore{}, &InadmissibleTypeError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("type %q is not admitted on stream %s", e.Type, s.id)},
			EventType:       e.Type,
			Stream:          s.id,
		}
	}
	if err := roundTrip(s.config.Codec, e.Type, e.Data, et.New); err != nil {
		return EventToStore{}, err
	}
	if et.Erasure != nil {
		core, erasable, err := SplitErasable(et.Erasure, e.Data)
		if err != nil {
			return EventToStore{}, &SerializationError{
				EventStoreError: EventStoreError{Op: "append", Err: err},
				EventType:       e.Type,
			}
		}
		record.Data = core
		record.ErasableData = erasable
	}
	return record, nil
}
