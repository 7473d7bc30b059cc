package dcb

import "fmt"

type (
	// EventType describes one current domain event type admitted on a
	// stream: its simple name and a factory producing a pointer to a zero
	// payload for the codec to decode into. Erasure optionally marks the
	// payload's erasable surface.
	EventType struct {
		Name    string
		New     func() any
		Erasure *ErasureDescriptor
	}

	// LegacyEventType describes a stored type that is upcasted at read
	// time. Upcast must be a pure function from the decoded legacy payload
	// to the current payload; Target names the current type it produces.
	LegacyEventType struct {
		Name   string
		New    func() any
		Target string
		Upcast func(legacy any) (any, error)
	}

	// TypeRegistry holds the admitted event types of a stream facade
	// together with their legacy ancestors. Go has no sealed sums, so the
	// registry is the explicit enumeration the facade relies on: every
	// variant of a root is registered by name, duplicates are rejected and
	// a root without variants cannot be admitted.
	TypeRegistry struct {
		current map[string]EventType
		legacy  map[string]LegacyEventType
		// aliases maps a current type name to the legacy names whose
		// upcasters target it, for transparent query expansion.
		aliases map[string][]string
	}
)

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		current: make(map[string]EventType),
		legacy:  make(map[string]LegacyEventType),
		aliases: make(map[string][]string),
	}
}

// Register admits a single concrete leaf type.
func (r *TypeRegistry) Register(et EventType) error {
	if et.Name == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "register", Err: fmt.Errorf("event type name must not be empty")},
			Field:           "name",
			Value:           "empty",
		}
	}
	if r.contains(et.Name) {
		return &DuplicateTypeNameError{
			EventStoreError: EventStoreError{Op: "register", Err: fmt.Errorf("type name %q already registered", et.Name)},
			TypeName:        et.Name,
		}
	}
	r.current[et.Name] = et
	return nil
}

// RegisterVariants admits a closed sum: the root's enumerated variants.
// A root with no variants cannot be admitted; callers must enumerate.
func (r *TypeRegistry) RegisterVariants(root string, variants ...EventType) error {
	if len(variants) == 0 {
		return &SealingRequiredError{
			EventStoreError: EventStoreError{Op: "register", Err: fmt.Errorf("root %q has no enumerable variants", root)},
			TypeName:        root,
		}
	}
	for _, v := range variants {
		if err := r.Register(v); err != nil {
			return err
		}
	}
	return nil
}

// RegisterLegacy registers a stored type that is upcasted at read time. The
// upcaster's target must already be registered as a current type.
func (r *TypeRegistry) RegisterLegacy(lt LegacyEventType) error {
	if lt.Name == "" || lt.Upcast == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "registerLegacy", Err: fmt.Errorf("legacy type needs a name and an upcaster")},
			Field:           "legacy",
			Value:           lt.Name,
		}
	}
	if r.contains(lt.Name) {
		return &DuplicateTypeNameError{
			EventStoreError: EventStoreError{Op: "registerLegacy", Err: fmt.Errorf("type name %q already registered", lt.Name)},
			TypeName:        lt.Name,
		}
	}
	if _, ok := r.current[lt.Target]; !ok {
		return &RegistryError{
			EventStoreError: EventStoreError{Op: "registerLegacy", Err: fmt.Errorf("upcaster of %q targets unknown type %q", lt.Name, lt.Target)},
			TypeName:        lt.Name,
		}
	}
	r.legacy[lt.Name] = lt
	r.aliases[lt.Target] = append(r.aliases[lt.Target], lt.Name)
	return nil
}

func (r *TypeRegistry) contains(name string) bool {
	if _, ok := r.current[name]; ok {
		return true
	}
	_, ok := r.legacy[name]
	return ok
}

// IsAdmissible reports whether events of the given type may be appended.
// Only current types are writable; legacy types exist for reads.
func (r *TypeRegistry) IsAdmissible(name string) bool {
	_, ok := r.current[name]
	return ok
}

// Current returns the descriptor of a current type.
func (r *TypeRegistry) Current(name string) (EventType, bool) {
	et, ok := r.current[name]
	return et, ok
}

// Legacy returns the descriptor of a legacy type.
func (r *TypeRegistry) Legacy(name string) (LegacyEventType, bool) {
	lt, ok := r.legacy[name]
	return lt, ok
}

// LegacyAliases returns the legacy type names whose upcasters produce the
// given current type.
func (r *TypeRegistry) LegacyAliases(current string) []string {
	return r.aliases[current]
}

// ExpandTypes widens a type filter with the legacy aliases of every current
// name it contains, so a query on a current type transparently matches the
// stored events it was upcasted from.
func (r *TypeRegistry) ExpandTypes(types []string) []string {
	if len(types) == 0 {
		return types
	}
	expanded := make([]string, 0, len(types))
	seen := make(map[string]struct{}, len(types))
	add := func(name string) {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			expanded = append(expanded, name)
		}
	}
	for _, name := range types {
		add(name)
		for _, alias := range r.aliases[name] {
			add(alias)
		}
	}
	return expanded
}

// ExpandQuery applies ExpandTypes to every item of a query. The match-all
// and match-none shapes pass through unchanged.
func (r *TypeRegistry) ExpandQuery(q Query) Query {
	items := q.Items()
	if len(items) == 0 {
		return q
	}
	expanded := make([]QueryItem, len(items))
	changed := false
	for i, item := range items {
		widened := r.ExpandTypes(item.EventTypes)
		expanded[i] = QueryItem{EventTypes: widened, Tags: item.Tags}
		if len(widened) != len(item.EventTypes) {
			changed = true
		}
	}
	if !changed {
		return q
	}
	out := NewQueryFromItems(expanded...)
	if u := q.Until(); u != nil {
		out = out.WithUntil(*u)
	}
	return out
}

// upcast transforms a stored record into its current representation.
// Current types pass through; legacy types are decoded, run through their
// upcaster once and re-encoded. Upcasters are pure and idempotent, so a
// record is upcasted at most once per read.
func (r *TypeRegistry) upcast(codec Codec, stored StoredEvent, data []byte) (Event, error) {
	e := Event{
		Stream:     stored.Stream,
		Type:       stored.Type,
		StoredType: stored.Type,
		Ref:        stored.Ref,
		Data:       data,
		Tags:       stored.Tags,
		OccurredAt: stored.OccurredAt,
	}
	if r == nil {
		return e, nil
	}
	lt, ok := r.legacy[stored.Type]
	if !ok {
		return e, nil
	}

	var legacyPayload any
	if lt.New != nil {
		legacyPayload = lt.New()
	} else {
		legacyPayload = &map[string]any{}
	}
	if err := codec.Decode(data, legacyPayload); err != nil {
		return Event{}, &SerializationError{
			EventStoreError: EventStoreError{Op: "upcast", Err: fmt.Errorf("stored %q payload does not decode: %w", stored.Type, err)},
			EventType:       stored.Type,
		}
	}
	currentPayload, err := lt.Upcast(legacyPayload)
	if err != nil {
		return Event{}, &SerializationError{
			EventStoreError: EventStoreError{Op: "upcast", Err: fmt.Errorf("upcasting %q to %q: %w", stored.Type, lt.Target, err)},
			EventType:       stored.Type,
		}
	}
	upcastedData, err := codec.Encode(currentPayload)
	if err != nil {
		return Event{}, &SerializationError{
			EventStoreError: EventStoreError{Op: "upcast", Err: fmt.Errorf("upcasted %q payload does not encode: %w", lt.Target, err)},
			EventType:       lt.Target,
		}
	}
	e.Type = lt.Target
	e.Data = upcastedData
	return e, nil
}
