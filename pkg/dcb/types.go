package dcb

import "time"

type (
	// InputEvent is an event that has not been appended yet: no reference,
	// stream or timestamp. IdempotencyKey is an optional client-supplied
	// string; it is permitted only when the append batch contains exactly
	// one event.
	InputEvent struct {
		Type           string
		Tags           Tags
		Data           []byte // Codec-encoded domain payload
		IdempotencyKey string
	}

	// EventToStore is the write-side record handed to a Storage backend.
	// The facade derives it from an InputEvent after admission and codec
	// checks: the erasable portion of the payload is split out so an
	// external redactor can replace it without touching the core payload.
	EventToStore struct {
		Type           string
		Tags           Tags
		Data           []byte
		ErasableData   []byte
		IdempotencyKey string
	}

	// StoredEvent is a committed record exactly as a backend persisted it:
	// the type is the name under which the event was appended and the
	// payload is not yet upcasted or merged with its erasable portion.
	StoredEvent struct {
		Stream       StreamID
		Type         string
		Ref          EventReference
		Data         []byte
		ErasableData []byte
		Tags         Tags
		OccurredAt   time.Time
	}

	// Event is a committed event as seen through a stream facade. Type is
	// the current domain type name after upcasting; StoredType is the name
	// as written. The two differ only for upcasted legacy records.
	Event struct {
		Stream     StreamID
		Type       string
		StoredType string
		Ref        EventReference
		Data       []byte
		Tags       Tags
		OccurredAt time.Time
	}

	// Bookmark is a persisted cursor for a named reader. One bookmark per
	// reader, last writer wins.
	Bookmark struct {
		Reader    string
		Ref       EventReference
		Tags      Tags
		UpdatedAt time.Time
	}

	// AppendNotification announces a committed append batch. LastRef is the
	// reference of the batch's last event.
	AppendNotification struct {
		Stream  StreamID
		LastRef EventReference
	}

	// BookmarkNotification announces a bookmark put or update.
	BookmarkNotification struct {
		Reader string
		Ref    EventReference
	}
)

// OrderDirection selects the traversal order of a query.
type OrderDirection int

const (
	// Forward orders ascending by (transaction id, position).
	Forward OrderDirection = iota
	// Backward orders descending by (transaction id, position).
	Backward
)

func (d OrderDirection) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ReadOptions configures a query-engine read.
type ReadOptions struct {
	// After is an exclusive starting cursor: results lie strictly after it
	// in the requested direction. The cursor is resolved by (transaction id,
	// position) only; whether the cursor event itself matches the query is
	// irrelevant.
	After *EventReference

	// Limit truncates the result. Zero means "no soft limit"; the storage
	// absolute limit still applies.
	Limit int

	// Direction selects forward or backward traversal. Backward with a nil
	// After starts from the end of the log.
	Direction OrderDirection

	// BatchSize is the fetch granularity for streaming backends. Zero uses
	// the backend default.
	BatchSize int
}

// AppendCondition is the optimistic-lock predicate of a conditional append:
// the append succeeds iff no event matching FailIfEventsMatch was committed
// after After. A nil After means the store is expected to contain no match
// at all. A match-none query means "append unconditionally".
type AppendCondition struct {
	FailIfEventsMatch Query
	After             *EventReference
}

// NewAppendCondition creates a condition that fails the append when any
// event matches the given query.
func NewAppendCondition(failIfEventsMatch Query) AppendCondition {
	return AppendCondition{FailIfEventsMatch: failIfEventsMatch}
}

// WithAfter returns a copy of the condition that only considers events
// committed after ref. This is the usual shape: ref is the last event the
// decision was based on.
func (c AppendCondition) WithAfter(ref EventReference) AppendCondition {
	c.After = &ref
	return c
}

// IsUnconditional reports whether the condition imposes no lock.
func (c AppendCondition) IsUnconditional() bool {
	return c.FailIfEventsMatch.IsNone()
}
