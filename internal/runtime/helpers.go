package runtime

import "encoding/json"

// deepCopyMap produces a structural copy of a map[string]any tree of the
// kind diffpatch operates over (maps, slices, primitives), used to
// snapshot state before an action apply so the result can be diffed.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return val
	}
}

// decodeMapInto decodes a generic map[string]any (as produced by decoding
// a WireMessage's Payload field from JSON) into a concrete payload struct
// via a marshal/unmarshal round trip.
func decodeMapInto(m map[string]any, out any) bool {
	b, err := json.Marshal(m)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}
