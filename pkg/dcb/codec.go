package dcb

import (
	"encoding/json"
	"fmt"
)

// Codec translates between domain payloads and their stored byte form. The
// store never interprets payload bytes beyond the write-side round-trip gate
// and the erasure split; the wire representation is entirely the codec's.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec encodes payloads with encoding/json.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DefaultCodec is used by stream facades configured without one.
var DefaultCodec Codec = JSONCodec{}

// roundTrip verifies on the write path that a payload deserializes back into
// its declared runtime type and re-serializes. This is an integrity gate for
// writers, not a read check.
func roundTrip(codec Codec, eventType string, data []byte, newPayload func() any) error {
	if newPayload == nil {
		return nil
	}
	target := newPayload()
	if err := codec.Decode(data, target); err != nil {
		return &SerializationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("payload of %q does not decode into its declared type: %w", eventType, err),
			},
			EventType: eventType,
		}
	}
	if _, err := codec.Encode(target); err != nil {
		return &SerializationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("payload of %q does not re-encode: %w", eventType, err),
			},
			EventType: eventType,
		}
	}
	return nil
}
