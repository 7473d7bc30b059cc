package dcb

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates a new InputEvent with the given type, tags, and data.
// Validation is performed when the event is used in store operations.
func NewInputEvent(eventType string, tags Tags, data []byte) InputEvent {
	return InputEvent{Type: eventType, Tags: tags, Data: data}
}

// NewEventBatch creates a slice of events from the given InputEvents.
// Convenience for appending multiple related events in a single operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// ToJSON marshals a value to JSON bytes, panicking on error (for convenience
// in tests and examples).
func ToJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal to JSON: %v", err))
	}
	return data
}

// =============================================================================
// Query Builder Pattern
// =============================================================================

// QueryBuilder provides a fluent interface for building queries. Query items
// are combined with OR; conditions within one item are combined with AND.
type QueryBuilder struct {
	items       []QueryItem
	currentItem *queryItemBuilder
}

type queryItemBuilder struct {
	eventTypes []string
	tags       Tags
}

// NewQueryBuilder creates a new QueryBuilder instance.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{currentItem: &queryItemBuilder{}}
}

// AddItem finalizes the current item and starts a new one, to be combined
// with OR.
func (qb *QueryBuilder) AddItem() *QueryBuilder {
	if len(qb.currentItem.eventTypes) > 0 || len(qb.currentItem.tags) > 0 {
		qb.items = append(qb.items, NewQueryItem(qb.currentItem.eventTypes, qb.currentItem.tags))
	}
	qb.currentItem = &queryItemBuilder{}
	return qb
}

// WithTag adds a single tag condition to the current item.
func (qb *QueryBuilder) WithTag(key, value string) *QueryBuilder {
	qb.currentItem.tags = append(qb.currentItem.tags, NewTag(key, value))
	return qb
}

// WithTags adds multiple tag conditions to the current item.
func (qb *QueryBuilder) WithTags(kv ...string) *QueryBuilder {
	if len(kv)%2 != 0 {
		return qb
	}
	for i := 0; i < len(kv); i += 2 {
		qb.currentItem.tags = append(qb.currentItem.tags, NewTag(kv[i], kv[i+1]))
	}
	return qb
}

// WithType adds a single event type to the current item.
func (qb *QueryBuilder) WithType(eventType string) *QueryBuilder {
	qb.currentItem.eventTypes = append(qb.currentItem.eventTypes, eventType)
	return qb
}

// WithTypes adds multiple event types to the current item.
func (qb *QueryBuilder) WithTypes(eventTypes ...string) *QueryBuilder {
	qb.currentItem.eventTypes = append(qb.currentItem.eventTypes, eventTypes...)
	return qb
}

// WithTagAndType adds both a tag and an event type to the current item.
func (qb *QueryBuilder) WithTagAndType(key, value, eventType string) *QueryBuilder {
	qb.WithTag(key, value)
	qb.WithType(eventType)
	return qb
}

// Build creates the final Query from the builder. An empty builder yields
// the match-none query.
func (qb *QueryBuilder) Build() Query {
	if len(qb.currentItem.eventTypes) > 0 || len(qb.currentItem.tags) > 0 {
		qb.items = append(qb.items, NewQueryItem(qb.currentItem.eventTypes, qb.currentItem.tags))
		qb.currentItem = &queryItemBuilder{}
	}
	if len(qb.items) == 0 {
		return NewQueryNone()
	}
	return NewQueryFromItems(qb.items...)
}

// =============================================================================
// Simplified AppendCondition Constructors
// =============================================================================

// FailIfExists creates a condition that fails if any events carry the given
// tag.
func FailIfExists(key, value string) AppendCondition {
	return NewAppendCondition(NewQueryBuilder().WithTag(key, value).Build())
}

// FailIfEventType creates a condition that fails if events of the given type
// exist with the specified tag.
func FailIfEventType(eventType, key, value string) AppendCondition {
	return NewAppendCondition(NewQueryBuilder().WithTagAndType(key, value, eventType).Build())
}

// FailIfEventTypes creates a condition that fails if events of any of the
// given types exist with the specified tag.
func FailIfEventTypes(eventTypes []string, key, value string) AppendCondition {
	return NewAppendCondition(NewQueryBuilder().WithTypes(eventTypes...).WithTag(key, value).Build())
}

// =============================================================================
// Event Builder Pattern
// =============================================================================

// EventBuilder provides a fluent interface for building events.
type EventBuilder struct {
	eventType      string
	tags           map[string]string
	data           any
	idempotencyKey string
}

// NewEvent creates a new EventBuilder for fluent event construction.
func NewEvent(eventType string) *EventBuilder {
	return &EventBuilder{
		eventType: eventType,
		tags:      make(map[string]string),
	}
}

// WithTag adds a single tag to the event.
func (eb *EventBuilder) WithTag(key, value string) *EventBuilder {
	eb.tags[key] = value
	return eb
}

// WithTags adds multiple tags to the event.
func (eb *EventBuilder) WithTags(tags map[string]string) *EventBuilder {
	for key, value := range tags {
		eb.tags[key] = value
	}
	return eb
}

// WithData sets the event data (JSON marshaled on Build).
func (eb *EventBuilder) WithData(data any) *EventBuilder {
	eb.data = data
	return eb
}

// WithIdempotencyKey sets the client-supplied idempotency key. Only valid on
// single-event batches.
func (eb *EventBuilder) WithIdempotencyKey(key string) *EventBuilder {
	eb.idempotencyKey = key
	return eb
}

// Build creates the final InputEvent.
func (eb *EventBuilder) Build() InputEvent {
	tags := make(Tags, 0, len(eb.tags))
	for key, value := range eb.tags {
		tags = append(tags, NewTag(key, value))
	}
	var data []byte
	if eb.data != nil {
		data = ToJSON(eb.data)
	}
	return InputEvent{
		Type:           eb.eventType,
		Tags:           tags,
		Data:           data,
		IdempotencyKey: eb.idempotencyKey,
	}
}

// =============================================================================
// Batch Builder Pattern
// =============================================================================

// BatchBuilder provides a fluent interface for building event batches.
type BatchBuilder struct {
	events []InputEvent
}

// NewBatch creates a new BatchBuilder for fluent batch construction.
func NewBatch() *BatchBuilder {
	return &BatchBuilder{}
}

// AddEvent adds a single event to the batch.
func (bb *BatchBuilder) AddEvent(event InputEvent) *BatchBuilder {
	bb.events = append(bb.events, event)
	return bb
}

// AddEvents adds multiple events to the batch.
func (bb *BatchBuilder) AddEvents(events ...InputEvent) *BatchBuilder {
	bb.events = append(bb.events, events...)
	return bb
}

// AddEventFromBuilder adds an event from an EventBuilder to the batch.
func (bb *BatchBuilder) AddEventFromBuilder(builder *EventBuilder) *BatchBuilder {
	bb.events = append(bb.events, builder.Build())
	return bb
}

// Build creates the final event batch.
func (bb *BatchBuilder) Build() []InputEvent {
	return bb.events
}

// =============================================================================
// Projection Helpers
// =============================================================================

// ProjectCounter creates a state projector that counts events.
func ProjectCounter(id string, eventType string, key, value string) StateProjector {
	return StateProjector{
		ID:           id,
		Query:        NewQueryBuilder().WithTagAndType(key, value, eventType).Build(),
		InitialState: 0,
		TransitionFn: func(state any, event Event) any {
			return state.(int) + 1
		},
	}
}

// ProjectBoolean creates a state projector that tracks whether events exist.
func ProjectBoolean(id string, eventType string, key, value string) StateProjector {
	return StateProjector{
		ID:           id,
		Query:        NewQueryBuilder().WithTagAndType(key, value, eventType).Build(),
		InitialState: false,
		TransitionFn: func(state any, event Event) any {
			return true
		},
	}
}
