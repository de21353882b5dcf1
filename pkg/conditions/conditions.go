// Package conditions merges per-event IAM condition constraints into one
// conservative combined constraint set.
package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Reducer folds condition maps left to right. The first occurrence of an
// operator wins; collisions widen the value rather than narrow it.
type Reducer struct{}

// Merge combines a list of condition maps into a single map. Two sequences
// merge as the sorted union of unique elements; two equal scalars collapse;
// two differing string scalars widen to a sorted pair. For any other type
// combination the later value overwrites the former. That last rule is a
// conservative approximation, not proven sound for union-of-constraints
// semantics.
func (Reducer) Merge(conds []map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for _, cond := range conds {
		operators := make([]string, 0, len(cond))
		for op := range cond {
			operators = append(operators, op)
		}
		sort.Strings(operators)
		for _, op := range operators {
			value := cond[op]
			existing, ok := merged[op]
			if !ok {
				merged[op] = value
				continue
			}
			merged[op] = combine(existing, value)
		}
	}
	return merged
}

func combine(existing, next interface{}) interface{} {
	exList, exOK := asList(existing)
	nextList, nextOK := asList(next)
	if exOK && nextOK {
		return unionSorted(append(exList, nextList...))
	}
	exStr, exIsStr := existing.(string)
	nextStr, nextIsStr := next.(string)
	if exIsStr && nextIsStr {
		if exStr == nextStr {
			return exStr
		}
		return unionSorted([]interface{}{exStr, nextStr})
	}
	if reflect.DeepEqual(existing, next) {
		return existing
	}
	return next
}

func asList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func unionSorted(elems []interface{}) []interface{} {
	seen := map[string]interface{}{}
	for _, e := range elems {
		seen[fmt.Sprint(e)] = e
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

// Fingerprint returns a canonical serialization of a condition map, stable
// across runs and key order, used as a synthesis grouping key.
func Fingerprint(cond map[string]interface{}) string {
	if len(cond) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(cond)
	if err != nil {
		// Condition maps come from decoded JSON, so this only fires on
		// caller-constructed values with unmarshalable types.
		return fmt.Sprintf("%v", cond)
	}
	return string(raw)
}
