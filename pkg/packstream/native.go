package packstream

import (
	"fmt"
	"time"
)

// FromNative converts a plain Go value into its PackStream Value. It covers
// the scalar, slice and map shapes that show up as query parameters; Value
// inputs pass through unchanged.
func FromNative(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	// All integer types widen to INT64 on the wire.
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case string:
		return String(val), nil
	case []byte:
		return Bytes(val), nil
	case []string:
		out := make(List, len(val))
		for i, s := range val {
			out[i] = String(s)
		}
		return out, nil
	case []int:
		out := make(List, len(val))
		for i, n := range val {
			out[i] = Int(n)
		}
		return out, nil
	case []int64:
		out := make(List, len(val))
		for i, n := range val {
			out[i] = Int(n)
		}
		return out, nil
	case []float64:
		out := make(List, len(val))
		for i, f := range val {
			out[i] = Float(f)
		}
		return out, nil
	case []any:
		out := make(List, len(val))
		for i, item := range val {
			converted, err := FromNative(item)
			if err != nil {
				return nil, fmt.Errorf("list item %d: %w", i, err)
			}
			out[i] = converted
		}
		return out, nil
	case map[string]any:
		return FromNativeMap(val)
	case map[string]string:
		out := make(Map, len(val))
		for k, s := range val {
			out[k] = String(s)
		}
		return out, nil
	case time.Time:
		// Encoded as Unix millis to keep a stable scalar representation.
		// NOTE: Bolt has native temporal structures; we can upgrade without
		// changing callers.
		return Int(val.UnixNano() / int64(time.Millisecond)), nil
	case time.Duration:
		// Duration as milliseconds (signed).
		return Int(val.Milliseconds()), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// FromNativeMap converts a map of plain Go values into a Map. A nil input
// yields an empty, non-nil Map.
func FromNativeMap(m map[string]any) (Map, error) {
	out := make(Map, len(m))
	for k, v := range m {
		converted, err := FromNative(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = converted
	}
	return out, nil
}

// ToNative converts a Value back into plain Go types: nil, bool, int64,
// float64, string, []byte, []any and map[string]any. Structures come back as
// a map carrying the signature and raw fields, mirroring how unknown
// structures are surfaced to generic consumers.
func ToNative(v Value) any {
	switch val := v.(type) {
	case nil:
		return nil
	case Null:
		return nil
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case String:
		return string(val)
	case Bytes:
		return []byte(val)
	case List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ToNative(item)
		}
		return out
	case Map:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ToNative(item)
		}
		return out
	case Structure:
		fields := make([]any, len(val.Fields))
		for i, f := range val.Fields {
			fields[i] = ToNative(f)
		}
		return map[string]any{
			"_type":     fmt.Sprintf("Structure_0x%02X", val.Tag),
			"signature": int64(val.Tag),
			"fields":    fields,
		}
	}
	return nil
}
