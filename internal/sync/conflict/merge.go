package conflict

import "reflect"

// MergeSeparator joins differing string values in a merge candidate.
const MergeSeparator = " | "

// Merge combines two values of compatible type. Strings are joined with
// MergeSeparator, arrays form a set union in local-then-server order, and
// objects merge shallowly with local keys winning. ok is false when the
// values cannot be merged.
func Merge(local, server any) (merged any, ok bool) {
	switch l := local.(type) {
	case string:
		if s, ok := server.(string); ok {
			if l == s {
				return l, true
			}
			return l + MergeSeparator + s, true
		}
	case []any:
		if s, ok := server.([]any); ok {
			return unionArrays(l, s), true
		}
	case map[string]any:
		if s, ok := server.(map[string]any); ok {
			return mergeObjects(l, s), true
		}
	}
	return nil, false
}

func unionArrays(local, server []any) []any {
	out := make([]any, 0, len(local)+len(server))
	for _, group := range [][]any{local, server} {
		for _, v := range group {
			if !containsValue(out, v) {
				out = append(out, cloneValue(v))
			}
		}
	}
	return out
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

func mergeObjects(local, server map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(server))
	for k, v := range server {
		out[k] = cloneValue(v)
	}
	for k, v := range local {
		out[k] = cloneValue(v)
	}
	return out
}
