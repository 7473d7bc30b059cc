package memory

import (
	"sort"
	"strings"

	"go.jetify.com/typeid"

	"github.com/sliceworkz/eventstore-sub000/pkg/dcb"
)

// newEventID creates a TypeID whose prefix derives from the event's sorted
// tag keys, so ids remain greppable by what they describe. The prefix is
// truncated to keep the full id within 64 characters including the 26-char
// suffix.
func newEventID(tags dcb.Tags) string {
	keys := make([]string, 0, len(tags))
	for _, tag := range tags {
		if k := sanitizeForTypeID(tag.Key); k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	prefix := strings.Join(keys, "_")
	maxPrefixLength := 64 - 26 - 1
	if len(prefix) > maxPrefixLength {
		prefix = strings.Trim(prefix[:maxPrefixLength], "_")
	}
	if prefix == "" {
		prefix = "event"
	}

	tid, err := typeid.WithPrefix(prefix)
	if err != nil {
		tid, _ = typeid.WithPrefix("event")
	}
	return tid.String()
}

// sanitizeForTypeID lowercases a string and maps everything outside
// [a-z0-9_] to underscores, collapsing runs.
func sanitizeForTypeID(s string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(s))

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}
