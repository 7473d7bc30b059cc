package dcb

// QueryItem is a single atomic query condition: an event matches the item
// when its type is in EventTypes (or EventTypes is empty) AND its tag set
// contains every tag in Tags (or Tags is empty).
type QueryItem struct {
	EventTypes []string
	Tags       Tags
}

// NewQueryItem creates a new QueryItem with the given types and tags.
func NewQueryItem(types []string, tags Tags) QueryItem {
	return QueryItem{EventTypes: types, Tags: tags}
}

// Matches reports whether an event of the given type and tags satisfies the
// item.
func (qi QueryItem) Matches(eventType string, tags Tags) bool {
	if len(qi.EventTypes) > 0 {
		found := false
		for _, t := range qi.EventTypes {
			if t == eventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return tags.ContainsAll(qi.Tags)
}

// Query selects events by type/tag intersections. It takes one of three
// canonical shapes: match-all, match-none (the sentinel meaning "append
// unconditionally"), or a disjunction of items. The optional Until reference
// truncates matches to events at or before it.
//
// Queries are immutable values; CombineWith and the Until setters return new
// queries.
type Query struct {
	all   bool
	items []QueryItem
	until *EventReference
}

// NewQueryAll creates a query that matches every event.
func NewQueryAll() Query {
	return Query{all: true}
}

// NewQueryNone creates the query that matches no event. Used as an append
// condition it means "append unconditionally".
func NewQueryNone() Query {
	return Query{}
}

// NewQuery creates a single-item query with the given tags and event types.
func NewQuery(tags Tags, eventTypes ...string) Query {
	return Query{items: []QueryItem{NewQueryItem(eventTypes, tags)}}
}

// NewQueryFromItems creates a query from a list of query items.
// With no items the result is the match-none query.
func NewQueryFromItems(items ...QueryItem) Query {
	return Query{items: items}
}

// IsAll reports whether the query matches every event.
func (q Query) IsAll() bool { return q.all }

// IsNone reports whether the query matches no event.
func (q Query) IsNone() bool { return !q.all && len(q.items) == 0 }

// Items returns the query's items. Empty for the match-all and match-none
// shapes.
func (q Query) Items() []QueryItem { return q.items }

// Until returns the truncation bound, or nil when the query is unbounded.
func (q Query) Until() *EventReference { return q.until }

// WithUntil returns a copy truncated to events at or before ref.
func (q Query) WithUntil(ref EventReference) Query {
	q.until = &ref
	return q
}

// UntilIfEarlier returns a copy whose bound is the earlier of the current
// bound and ref.
func (q Query) UntilIfEarlier(ref EventReference) Query {
	if q.until == nil || ref.HappenedBefore(*q.until) {
		q.until = &ref
	}
	return q
}

// CombineWith merges two queries by item union. Match-all wins over items,
// match-none is the identity. The resulting bound is the earlier of the two.
func (q Query) CombineWith(other Query) Query {
	combined := Query{
		all:   q.all || other.all,
		until: q.until,
	}
	if other.until != nil {
		if combined.until == nil || other.until.HappenedBefore(*combined.until) {
			combined.until = other.until
		}
	}
	if !combined.all {
		combined.items = make([]QueryItem, 0, len(q.items)+len(other.items))
		combined.items = append(combined.items, q.items...)
		combined.items = append(combined.items, other.items...)
	}
	return combined
}

// Matches implements the query predicate over a stored event. Items
// short-circuit on the first match; the Until bound is applied as a final
// gate, inclusive of the bound itself. Unknown event types simply fail to
// match; the predicate never fails.
func (q Query) Matches(e Event) bool {
	if q.IsNone() {
		return false
	}
	if q.until != nil && e.Ref.HappenedAfter(*q.until) {
		return false
	}
	if q.all {
		return true
	}
	for _, item := range q.items {
		if item.Matches(e.Type, e.Tags) {
			return true
		}
	}
	return false
}
