package dcb

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErasedValue is the sentinel an external redactor writes over an erasable
// field. Erasure never affects event references, positions, tags, timestamps
// or types.
const ErasedValue = "ERASED"

type (
	// ErasableField marks a payload field (by dotted path) whose value may
	// be replaced wholesale with a sentinel without changing event identity.
	ErasableField struct {
		Path     string
		Category string
		Purpose  string
	}

	// ErasureDescriptor enumerates the erasable surface of one event type.
	// It is registered beside the type and discoverable by an external
	// redactor; it survives codec round-trips because it never travels
	// inside the payload. PartlyErasable paths are composites the redactor
	// must recurse into.
	ErasureDescriptor struct {
		Erasable       []ErasableField
		PartlyErasable []string
	}
)

// Field returns the erasable mark for a dotted path, if any.
func (d *ErasureDescriptor) Field(path string) (ErasableField, bool) {
	if d == nil {
		return ErasableField{}, false
	}
	for _, f := range d.Erasable {
		if f.Path == path {
			return f, true
		}
	}
	return ErasableField{}, false
}

// IsPartlyErasable reports whether a dotted path is marked as a composite
// containing erasable sub-fields.
func (d *ErasureDescriptor) IsPartlyErasable(path string) bool {
	if d == nil {
		return false
	}
	for _, p := range d.PartlyErasable {
		if p == path {
			return true
		}
	}
	return false
}

// paths returns every erasable path, with partly-erasable prefixes already
// expanded into their concrete erasable sub-paths.
func (d *ErasureDescriptor) paths() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.Erasable))
	for _, f := range d.Erasable {
		out = append(out, f.Path)
	}
	return out
}

// SplitErasable separates a JSON payload into its core portion and the
// subset of fields the descriptor marks erasable. Backends persist the two
// parts in separate columns so a redactor can overwrite the erasable part
// without touching the rest. Returns the original payload and nil when the
// descriptor marks nothing.
func SplitErasable(desc *ErasureDescriptor, data []byte) (core, erasable []byte, err error) {
	paths := desc.paths()
	if len(paths) == 0 {
		return data, nil, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	extracted := make(map[string]any)
	for _, path := range paths {
		value, ok := takePath(doc, strings.Split(path, "."))
		if !ok {
			continue
		}
		extracted[path] = value
	}
	if len(extracted) == 0 {
		return data, nil, nil
	}

	core, err = json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	erasable, err = json.Marshal(extracted)
	if err != nil {
		return nil, nil, err
	}
	return core, erasable, nil
}

// MergeErasable reassembles a payload from its core portion and the stored
// erasable fields. Fields the redactor already replaced come back with the
// sentinel in place.
func MergeErasable(core, erasable []byte) ([]byte, error) {
	if len(erasable) == 0 {
		return core, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(core, &doc); err != nil {
		return nil, fmt.Errorf("stored payload is not a JSON object: %w", err)
	}
	var extracted map[string]any
	if err := json.Unmarshal(erasable, &extracted); err != nil {
		return nil, fmt.Errorf("stored erasable fields are not a JSON object: %w", err)
	}

	for path, value := range extracted {
		putPath(doc, strings.Split(path, "."), value)
	}
	return json.Marshal(doc)
}

// takePath removes and returns the value at a dotted path inside nested
// JSON objects.
func takePath(doc map[string]any, path []string) (any, bool) {
	if len(path) == 1 {
		value, ok := doc[path[0]]
		if ok {
			delete(doc, path[0])
		}
		return value, ok
	}
	child, ok := doc[path[0]].(map[string]any)
	if !ok {
		return nil, false
	}
	return takePath(child, path[1:])
}

// putPath writes a value at a dotted path, creating intermediate objects as
// needed.
func putPath(doc map[string]any, path []string, value any) {
	if len(path) == 1 {
		doc[path[0]] = value
		return
	}
	child, ok := doc[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		doc[path[0]] = child
	}
	putPath(child, path[1:], value)
}
