package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC request/response correlation ID, which per the
// spec is either a string or a number. A nil *RequestID marks a
// notification (spec.md §6: "Responses use ... with id").
type RequestID struct {
	value interface{}
}

// NewRequestID wraps a string or numeric value as a RequestID. Any other
// type produces a RequestID with no underlying value, since the gateway
// never originates a request ID itself outside of tests; request IDs on the
// wire always decode through UnmarshalJSON instead.
func NewRequestID(value interface{}) *RequestID {
	switch v := value.(type) {
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return &RequestID{value: v}
	default:
		return &RequestID{value: nil}
	}
}

// String renders the ID for logging (router attaches it to a
// logctx.RPCMessage log group). Unlike Value, it never needs to
// round-trip through JSON, so a type outside the string/number set just
// falls back to fmt's default formatting rather than panicking.
func (id *RequestID) String() string {
	if id == nil || id.value == nil {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying string or number, or nil for a notification.
func (id *RequestID) Value() interface{} {
	return id.value
}

// IsNil reports whether id is a notification (no ID was sent).
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON implements json.Marshaler. A nil ID (notification) marshals to
// nothing, matching AnyMessage's `id,omitempty` tag.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte{}, nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a JSON number
// or a JSON string per the JSON-RPC 2.0 ID grammar. Integral numbers decode
// as int64 rather than float64 so a round-tripped ID compares equal to the
// value the client sent.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("jsonrpc: id must be a string or number, got %s", string(data))
}
