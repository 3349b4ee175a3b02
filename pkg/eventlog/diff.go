package eventlog

import (
	"encoding/json"
)

// DiffContext returns the recursive difference between prev and next.
//
// Keys added or changed in next appear in the result; nested maps are
// diffed recursively and only their changed keys are kept. Keys present in
// prev but absent from next are recorded as nil tombstones so that
// MergeContext can delete them. An empty result means no change.
func DiffContext(prev, next map[string]interface{}) map[string]interface{} {
	diff := make(map[string]interface{})

	for key, nextVal := range next {
		prevVal, existed := prev[key]
		if !existed {
			diff[key] = nextVal
			continue
		}

		prevMap, prevIsMap := asStringMap(prevVal)
		nextMap, nextIsMap := asStringMap(nextVal)
		if prevIsMap && nextIsMap {
			if sub := DiffContext(prevMap, nextMap); len(sub) > 0 {
				diff[key] = sub
			}
			continue
		}

		if !jsonEqual(prevVal, nextVal) {
			diff[key] = nextVal
		}
	}

	for key := range prev {
		if _, still := next[key]; !still {
			diff[key] = nil
		}
	}

	return diff
}

// MergeContext applies a stored diff onto base and returns the result.
// Neither input is mutated. A nil diff value deletes the key; nested maps
// merge recursively.
func MergeContext(base, diff map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}

	for key, diffVal := range diff {
		if diffVal == nil {
			delete(merged, key)
			continue
		}

		baseMap, baseIsMap := asStringMap(merged[key])
		diffMap, diffIsMap := asStringMap(diffVal)
		if baseIsMap && diffIsMap {
			merged[key] = MergeContext(baseMap, diffMap)
			continue
		}

		merged[key] = diffVal
	}

	return merged
}

// EffectiveContext folds the context diffs of an ordered record slice into
// the context in force after the last record.
func EffectiveContext(events []*MachineEvent) map[string]interface{} {
	ctx := map[string]interface{}{}
	for _, ev := range events {
		if len(ev.Context) == 0 {
			continue
		}
		ctx = MergeContext(ctx, ev.Context)
	}
	return ctx
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// jsonEqual compares two values by their JSON encodings, so that e.g. an
// int written before a store round trip equals the float64 read back.
func jsonEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	if errA != nil {
		return false
	}
	bb, errB := json.Marshal(b)
	if errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
