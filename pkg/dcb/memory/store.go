// Package memory provides an in-memory Storage backend: a single ordered
// log guarded by one mutex, with a background worker delivering
// notifications. Intended for tests, examples and embedded use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sliceworkz/eventstore-sub000/pkg/dcb"
)

// Config contains configuration for the in-memory store.
type Config struct {
	// AbsoluteMaxResults caps the result set of a single query. Zero means
	// unlimited.
	AbsoluteMaxResults int

	// QueueSize is the buffer of the notification worker. Defaults to 256.
	QueueSize int

	Logger logrus.FieldLogger
}

// Store is an in-memory dcb.Storage implementation. A single mutex makes
// the condition check, the position/transaction assignment and the write
// one critical section, which is all the serializability the append
// contract asks for.
type Store struct {
	config Config

	mu          sync.Mutex
	events      []dcb.StoredEvent
	byID        map[string]int
	idempotency map[idempotencyKey][]int
	bookmarks   map[string]dcb.Bookmark
	listeners   []listenerEntry
	nextTx       uint64
	nextPos      int64
	nextListener int
	closed       bool

	notifications chan notification
	workerDone    chan struct{}
}

type idempotencyKey struct {
	stream dcb.StreamID
	key    string
}

type listenerEntry struct {
	id       int
	listener dcb.StorageListener
}

type notification struct {
	append   *dcb.AppendNotification
	bookmark *dcb.BookmarkNotification
}

// NewStore creates an in-memory store with default configuration.
func NewStore() *Store {
	return NewStoreWithConfig(Config{})
}

// NewStoreWithConfig creates an in-memory store with custom configuration.
func NewStoreWithConfig(config Config) *Store {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	s := &Store{
		config:        config,
		byID:          make(map[string]int),
		idempotency:   make(map[idempotencyKey][]int),
		bookmarks:     make(map[string]dcb.Bookmark),
		notifications: make(chan notification, config.QueueSize),
		workerDone:    make(chan struct{}),
	}
	go s.notifyWorker()
	return s
}

// AbsoluteMaxResults implements dcb.Storage.
func (s *Store) AbsoluteMaxResults() int { return s.config.AbsoluteMaxResults }

// Query implements dcb.Storage. Matches are snapshotted under the lock, so
// a query reflects exactly the events committed when it began.
func (s *Store) Query(ctx context.Context, query dcb.Query, stream dcb.StreamID, opts dcb.ReadOptions) (dcb.StoredEventIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, closedErr("query")
	}

	var matched []dcb.StoredEvent
	appendMatch := func(e dcb.StoredEvent) bool {
		matched = append(matched, e)
		return opts.Limit > 0 && len(matched) >= opts.Limit
	}

	if opts.Direction == dcb.Backward {
		for i := len(s.events) - 1; i >= 0; i-- {
			e := s.events[i]
			if opts.After != nil && !e.Ref.HappenedBefore(*opts.After) {
				continue
			}
			if !s.visible(e, query, stream) {
				continue
			}
			if appendMatch(e) {
				break
			}
		}
	} else {
		for _, e := range s.events {
			if opts.After != nil && !e.Ref.HappenedAfter(*opts.After) {
				continue
			}
			if !s.visible(e, query, stream) {
				continue
			}
			if appendMatch(e) {
				break
			}
		}
	}
	return dcb.NewStoredSliceIterator(matched), nil
}

// visible applies the stream scope, the query predicate and the until bound
// to a stored record. The predicate runs against the stored type name; the
// facade widens type filters with legacy aliases before they get here.
func (s *Store) visible(e dcb.StoredEvent, query dcb.Query, stream dcb.StreamID) bool {
	if !stream.CanRead(e.Stream) {
		return false
	}
	return query.Matches(dcb.Event{
		Stream: e.Stream,
		Type:   e.Type,
		Ref:    e.Ref,
		Tags:   e.Tags,
	})
}

// Append implements dcb.Storage.
func (s *Store) Append(ctx context.Context, stream dcb.StreamID, events []dcb.EventToStore, condition dcb.AppendCondition) ([]dcb.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &dcb.BatchError{
			EventStoreError: dcb.EventStoreError{Op: "append", Err: fmt.Errorf("events must not be empty")},
			Size:            0,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, closedErr("append")
	}

	// Idempotent replay: a keyed single-event batch that was written before
	// returns the original records and consumes no positions.
	if len(events) == 1 && events[0].IdempotencyKey != "" {
		key := idempotencyKey{stream: stream, key: events[0].IdempotencyKey}
		if indexes, ok := s.idempotency[key]; ok {
			existing := make([]dcb.StoredEvent, len(indexes))
			for i, idx := range indexes {
				existing[i] = s.events[idx]
			}
			return existing, nil
		}
	}

	if err := s.checkCondition(condition); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.nextTx++
	tx := s.nextTx

	stored := make([]dcb.StoredEvent, len(events))
	for i, e := range events {
		s.nextPos++
		record := dcb.StoredEvent{
			Stream:       stream,
			Type:         e.Type,
			Ref:          dcb.NewEventReference(newEventID(e.Tags), s.nextPos, tx),
			Data:         e.Data,
			ErasableData: e.ErasableData,
			Tags:         e.Tags,
			OccurredAt:   now,
		}
		s.events = append(s.events, record)
		s.byID[record.Ref.ID] = len(s.events) - 1
		stored[i] = record

		if e.IdempotencyKey != "" {
			key := idempotencyKey{stream: stream, key: e.IdempotencyKey}
			s.idempotency[key] = append(s.idempotency[key], len(s.events)-1)
		}
	}

	s.enqueueLocked(notification{append: &dcb.AppendNotification{
		Stream:  stream,
		LastRef: stored[len(stored)-1].Ref,
	}})
	return stored, nil
}

// checkCondition scans the log for a violating event while the append lock
// is held: nothing can be inserted between this check and the write.
func (s *Store) checkCondition(condition dcb.AppendCondition) error {
	if condition.IsUnconditional() {
		return nil
	}
	query := condition.FailIfEventsMatch
	for _, e := range s.events {
		if condition.After != nil && !e.Ref.HappenedAfter(*condition.After) {
			continue
		}
		if query.Matches(dcb.Event{Stream: e.Stream, Type: e.Type, Ref: e.Ref, Tags: e.Tags}) {
			return &dcb.ConcurrencyError{
				EventStoreError: dcb.EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("append condition violated: event at position %d matches", e.Ref.Position),
				},
				Query: query,
				After: condition.After,
			}
		}
	}
	return nil
}

// GetEventByID implements dcb.Storage.
func (s *Store) GetEventByID(ctx context.Context, id string) (dcb.StoredEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return dcb.StoredEvent{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dcb.StoredEvent{}, false, closedErr("getEventByID")
	}
	idx, ok := s.byID[id]
	if !ok {
		return dcb.StoredEvent{}, false, nil
	}
	return s.events[idx], true, nil
}

// PutBookmark implements dcb.Storage. Upsert, last writer wins.
func (s *Store) PutBookmark(ctx context.Context, reader string, ref dcb.EventReference, tags dcb.Tags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if reader == "" {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "putBookmark", Err: fmt.Errorf("reader must not be empty")},
			Field:           "reader",
			Value:           "empty",
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return closedErr("putBookmark")
	}
	s.bookmarks[reader] = dcb.Bookmark{
		Reader:    reader,
		Ref:       ref,
		Tags:      tags,
		UpdatedAt: time.Now().UTC(),
	}
	s.enqueueLocked(notification{bookmark: &dcb.BookmarkNotification{Reader: reader, Ref: ref}})
	return nil
}

// GetBookmark implements dcb.Storage.
func (s *Store) GetBookmark(ctx context.Context, reader string) (dcb.Bookmark, bool, error) {
	if err := ctx.Err(); err != nil {
		return dcb.Bookmark{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dcb.Bookmark{}, false, closedErr("getBookmark")
	}
	bookmark, ok := s.bookmarks[reader]
	return bookmark, ok, nil
}

// RemoveBookmark implements dcb.Storage.
func (s *Store) RemoveBookmark(ctx context.Context, reader string) (dcb.Bookmark, bool, error) {
	if err := ctx.Err(); err != nil {
		return dcb.Bookmark{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dcb.Bookmark{}, false, closedErr("removeBookmark")
	}
	bookmark, ok := s.bookmarks[reader]
	if ok {
		delete(s.bookmarks, reader)
	}
	return bookmark, ok, nil
}

// Subscribe implements dcb.Storage.
func (s *Store) Subscribe(l dcb.StorageListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(append([]listenerEntry{}, s.listeners...), listenerEntry{id: id, listener: l})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		next := make([]listenerEntry, 0, len(s.listeners))
		for _, entry := range s.listeners {
			if entry.id != id {
				next = append(next, entry)
			}
		}
		s.listeners = next
	}
}

// Stop implements dcb.Storage: refuses further appends, drains the
// notification queue best-effort and waits for the worker.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.notifications)
	s.mu.Unlock()

	select {
	case <-s.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) enqueueLocked(n notification) {
	select {
	case s.notifications <- n:
	default:
		s.config.Logger.WithField("queue_size", cap(s.notifications)).
			Warn("notification queue full, dropping notification")
	}
}

func (s *Store) notifyWorker() {
	defer close(s.workerDone)
	for n := range s.notifications {
		s.mu.Lock()
		listeners := s.listeners
		s.mu.Unlock()
		for _, entry := range listeners {
			switch {
			case n.append != nil:
				entry.listener.Appended(*n.append)
			case n.bookmark != nil:
				entry.listener.BookmarkPlaced(*n.bookmark)
			}
		}
	}
}

func closedErr(op string) error {
	return &dcb.StoreClosedError{
		EventStoreError: dcb.EventStoreError{Op: op, Err: fmt.Errorf("store is stopped")},
	}
}
