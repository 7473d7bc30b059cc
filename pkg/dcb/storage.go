package dcb

import (
	"context"
	"fmt"
)

// StoredEventIterator streams raw stored records out of a backend. Iterators
// are single-pass; reopening the same query returns a fresh iterator. A query
// reflects all events committed when it began; events committed during
// streaming may or may not appear.
type StoredEventIterator interface {
	// Next advances to the next record, returning false when exhausted or
	// after an error.
	Next() bool

	// Event returns the current record.
	Event() StoredEvent

	// Err returns any error that occurred during iteration.
	Err() error

	// Close closes the iterator and releases resources.
	Close() error
}

// StorageListener receives storage-level notifications. Implementations must
// not block: delivery happens on the backend's notification worker.
type StorageListener interface {
	Appended(n AppendNotification)
	BookmarkPlaced(n BookmarkNotification)
}

// Storage is the boundary between the core and a concrete backend.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Query returns records matching the query within the given stream
	// scope (wildcard components widen the scope), honoring the options'
	// cursor, direction and limit and the query's until bound.
	Query(ctx context.Context, query Query, stream StreamID, opts ReadOptions) (StoredEventIterator, error)

	// Append atomically validates the condition and writes the batch. The
	// condition check and the write are one critical section: no event
	// matching the condition can be inserted between validation and write.
	// The backend assigns positions, one transaction id and timestamps, and
	// returns the stored records in input order. If the batch's single
	// event carries an idempotency key already present on the stream, the
	// original records are returned and nothing is written.
	Append(ctx context.Context, stream StreamID, events []EventToStore, condition AppendCondition) ([]StoredEvent, error)

	// GetEventByID returns the record with the given id, if any.
	GetEventByID(ctx context.Context, id string) (StoredEvent, bool, error)

	// PutBookmark upserts the bookmark for a reader.
	PutBookmark(ctx context.Context, reader string, ref EventReference, tags Tags) error

	// GetBookmark returns the bookmark for a reader, if any.
	GetBookmark(ctx context.Context, reader string) (Bookmark, bool, error)

	// RemoveBookmark deletes and returns the bookmark for a reader, if any.
	RemoveBookmark(ctx context.Context, reader string) (Bookmark, bool, error)

	// Subscribe registers a listener for append and bookmark notifications
	// and returns its unsubscribe function. Both backends read the listener
	// list when a notification is dispatched, so a listener also receives
	// notifications for appends that were still pending when it subscribed.
	Subscribe(l StorageListener) (unsubscribe func())

	// AbsoluteMaxResults returns the storage-wide result limit for a single
	// query, or zero for unlimited.
	AbsoluteMaxResults() int

	// Stop drains pending notifications best-effort, stops workers and
	// refuses further appends. In-flight appends complete or fail with a
	// StoreClosedError.
	Stop(ctx context.Context) error
}

// EffectiveLimit reconciles a user-requested soft limit with the
// storage-wide absolute limit. An unset (zero) soft limit resolves to
// absolute+1 so result-set overruns are detectable, or to unlimited when
// there is no absolute limit. A soft limit above the absolute limit fails.
func EffectiveLimit(soft, absolute int) (int, error) {
	if soft < 0 || absolute < 0 {
		return 0, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "effectiveLimit",
				Err: fmt.Errorf("limits must not be negative"),
			},
			Field: "limit",
			Value: fmt.Sprintf("soft:%d absolute:%d", soft, absolute),
		}
	}
	if soft == 0 {
		if absolute == 0 {
			return 0, nil
		}
		return absolute + 1, nil
	}
	if absolute == 0 || soft <= absolute {
		return soft, nil
	}
	return 0, &LimitError{
		EventStoreError: EventStoreError{
			Op:  "effectiveLimit",
			Err: fmt.Errorf("requested limit %d exceeds storage maximum %d", soft, absolute),
		},
		Requested: soft,
		Absolute:  absolute,
	}
}
