package protocol

import "reflect"

func init() {
	// Decode raw msgpack bytes as Go strings and maps as map[string]any so
	// fromWire can work with native Go types instead of map[interface{}]interface{}.
	mpHandle.RawToString = true
	mpHandle.MapType = reflect.TypeOf(map[string]any{})
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asUint8(v any) (uint8, bool) {
	switch n := v.(type) {
	case uint8:
		return n, true
	case uint64:
		return uint8(n), true
	case int64:
		return uint8(n), true
	case int:
		return uint8(n), true
	default:
		return 0, false
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asSlice(v any) []any {
	if v == nil {
		return nil
	}
	s, _ := v.([]any)
	return s
}

func asMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// normalizeValue is applied to freeform "data" payloads (Response.Data,
// Notification.Data) which may nest further maps/slices.
func normalizeValue(v any) any {
	return v
}
