package cache

import (
	"reflect"
	"slices"

	"layerstore/internal/format"
)

// EntryKeys names, per parent key, the field that identifies entries of a
// list of maps. Lists under such keys are matched by that field instead of
// by position.
type EntryKeys map[string]string

// Subtract returns the parts of data that are new or differ from defaults.
// Nested maps recurse. Lists of scalars keep only values missing from the
// defaults. Lists of maps under an entry key are matched by that key; an
// entry left with nothing but its key is dropped.
//
// Merge(defaults, Subtract(data, defaults)) equals data as long as every
// scalar list in data contains the matching default list. Scalar lists merge
// as a union, so default values removed from such a list come back.
func Subtract(data, defaults map[string]any, keys EntryKeys) map[string]any {
	data = normalizeMap(data)
	defaults = normalizeMap(defaults)
	return subtract(data, defaults, keys)
}

func subtract(data, defaults map[string]any, keys EntryKeys) map[string]any {
	out := make(map[string]any)
	for k, v := range data {
		dv, ok := defaults[k]
		if !ok {
			out[k] = clone(v)
			continue
		}
		switch v := v.(type) {
		case map[string]any:
			dm, ok := dv.(map[string]any)
			if !ok {
				out[k] = clone(v)
				continue
			}
			if sub := subtract(v, dm, keys); len(sub) > 0 {
				out[k] = sub
			}
		case []any:
			dl, ok := dv.([]any)
			if !ok {
				out[k] = clone(v)
				continue
			}
			if sub, changed := subtractList(k, v, dl, keys); changed {
				out[k] = sub
			}
		default:
			if !reflect.DeepEqual(v, dv) {
				out[k] = v
			}
		}
	}
	return out
}

func subtractList(parent string, data, defaults []any, keys EntryKeys) ([]any, bool) {
	if reflect.DeepEqual(data, defaults) {
		return nil, false
	}
	if ek, ok := keys[parent]; ok && allMaps(data) && allMaps(defaults) {
		var out []any
		for _, item := range data {
			entry := item.(map[string]any)
			def, found := findEntry(defaults, ek, entry[ek])
			if !found {
				out = append(out, clone(entry))
				continue
			}
			diff := subtract(entry, def, keys)
			if len(diff) == 0 {
				continue
			}
			diff[ek] = entry[ek]
			out = append(out, diff)
		}
		return out, len(out) > 0
	}
	if allScalars(data) && allScalars(defaults) {
		var out []any
		for _, v := range data {
			if !containsValue(defaults, v) {
				out = append(out, v)
			}
		}
		return out, len(out) > 0
	}
	return clone(data).([]any), true
}

// Merge layers override onto defaults, the inverse of Subtract. Maps recurse,
// lists of maps under an entry key merge by that key, and lists of scalars
// become the union of both in order of first appearance.
func Merge(defaults, override map[string]any, keys EntryKeys) map[string]any {
	return merge(normalizeMap(defaults), normalizeMap(override), keys)
}

func merge(base, over map[string]any, keys EntryKeys) map[string]any {
	out := clone(base).(map[string]any)
	for k, v := range over {
		bv, ok := out[k]
		if !ok {
			out[k] = clone(v)
			continue
		}
		switch v := v.(type) {
		case map[string]any:
			if bm, ok := bv.(map[string]any); ok {
				out[k] = merge(bm, v, keys)
				continue
			}
		case []any:
			if bl, ok := bv.([]any); ok {
				if merged, ok := mergeList(k, bl, v, keys); ok {
					out[k] = merged
					continue
				}
			}
		}
		out[k] = clone(v)
	}
	return out
}

func mergeList(parent string, base, over []any, keys EntryKeys) ([]any, bool) {
	if ek, ok := keys[parent]; ok && allMaps(base) && allMaps(over) {
		out := clone(base).([]any)
		for _, item := range over {
			entry := item.(map[string]any)
			idx := slices.IndexFunc(out, func(b any) bool {
				return reflect.DeepEqual(b.(map[string]any)[ek], entry[ek])
			})
			if idx < 0 {
				out = append(out, clone(entry))
				continue
			}
			out[idx] = merge(out[idx].(map[string]any), entry, keys)
		}
		return out, true
	}
	if allScalars(base) && allScalars(over) {
		out := clone(base).([]any)
		for _, v := range over {
			if !containsValue(out, v) {
				out = append(out, v)
			}
		}
		return out, true
	}
	return nil, false
}

func findEntry(list []any, key string, value any) (map[string]any, bool) {
	for _, item := range list {
		m := item.(map[string]any)
		if reflect.DeepEqual(m[key], value) {
			return m, true
		}
	}
	return nil, false
}

func allMaps(list []any) bool {
	for _, v := range list {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func allScalars(list []any) bool {
	for _, v := range list {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func containsValue(list []any, v any) bool {
	return slices.ContainsFunc(list, func(x any) bool { return reflect.DeepEqual(x, v) })
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	n, _ := format.Normalize(clone(m)).(map[string]any)
	return n
}

// clone deep copies maps and lists so cached layers are never shared.
func clone(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = clone(x)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = clone(x)
		}
		return out
	}
	return v
}
