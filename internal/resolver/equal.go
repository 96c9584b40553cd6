package resolver

import (
	"encoding/json"
	"reflect"
)

// StructuralEqual reports deep structural equality between two values.
// Both sides are normalized through a JSON round trip first, so values that
// took different paths into memory (a stored snapshot vs. a freshly decoded
// live value, int vs. float64 for the same number) compare by shape and
// content, not by Go type or reference identity.
func StructuralEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
