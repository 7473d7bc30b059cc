package dcb

import "fmt"

// EventIterator streams facade-level events: merged with their erasable
// portion, upcasted and filtered by the query. Single-pass.
type EventIterator interface {
	Next() bool
	Event() Event
	Err() error
	Close() error
}

// StoredSliceIterator adapts a materialized record slice to the iterator
// contract. Backends that snapshot their matches under a lock return one of
// these; it also backs tests.
type StoredSliceIterator struct {
	events []StoredEvent
	index  int
}

// NewStoredSliceIterator creates an iterator over a fixed slice.
func NewStoredSliceIterator(events []StoredEvent) *StoredSliceIterator {
	return &StoredSliceIterator{events: events, index: -1}
}

func (it *StoredSliceIterator) Next() bool {
	if it.index+1 >= len(it.events) {
		return false
	}
	it.index++
	return true
}

func (it *StoredSliceIterator) Event() StoredEvent { return it.events[it.index] }
func (it *StoredSliceIterator) Err() error         { return nil }
func (it *StoredSliceIterator) Close() error       { return nil }

// eventIterator is the query engine's pull-side: it draws raw records from a
// storage iterator, reassembles and upcasts each one, re-applies the query
// predicate and enforces the soft limit. It never materializes the match set.
type eventIterator struct {
	source   StoredEventIterator
	registry *TypeRegistry
	codec    Codec
	query    Query
	limit    int // 0 = unlimited
	yielded  int
	current  Event
	err      error
	closed   bool
}

func newEventIterator(source StoredEventIterator, registry *TypeRegistry, codec Codec, query Query, limit int) *eventIterator {
	return &eventIterator{
		source:   source,
		registry: registry,
		codec:    codec,
		query:    query,
		limit:    limit,
	}
}

func (it *eventIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	if it.limit > 0 && it.yielded >= it.limit {
		return false
	}
	for it.source.Next() {
		stored := it.source.Event()

		data, err := MergeErasable(stored.Data, stored.ErasableData)
		if err != nil {
			it.err = &EventStoreError{Op: "read", Err: err}
			return false
		}
		event, err := it.registry.upcast(it.codec, stored, data)
		if err != nil {
			it.err = err
			return false
		}

		// Backends filter on their indexes; re-checking here keeps results
		// exact under upcasting, where the stored type differs from the
		// queried one.
		if !it.query.Matches(event) {
			continue
		}

		it.current = event
		it.yielded++
		return true
	}
	if err := it.source.Err(); err != nil {
		it.err = err
	}
	return false
}

func (it *eventIterator) Event() Event { return it.current }
func (it *eventIterator) Err() error   { return it.err }

func (it *eventIterator) Close() error {
	it.closed = true
	return it.source.Close()
}

// drain materializes an iterator, failing when the result set overruns the
// storage absolute limit.
func drain(it EventIterator, absolute int) ([]Event, error) {
	defer it.Close()

	var events []Event
	for it.Next() {
		events = append(events, it.Event())
		if absolute > 0 && len(events) > absolute {
			return nil, &LimitError{
				EventStoreError: EventStoreError{
					Op:  "query",
					Err: fmt.Errorf("result set exceeds storage maximum of %d", absolute),
				},
				Requested: len(events),
				Absolute:  absolute,
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
