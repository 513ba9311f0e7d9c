// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadow

import (
	"encoding/json"
	"reflect"
)

// Merge deep-merges incoming into buffer and returns buffer. Nested maps
// recurse (an absent or non-map target is replaced by an empty map first);
// every other value, nil included, overwrites. Maps taken from incoming are
// copied, so later changes to incoming do not leak into buffer.
func Merge(buffer, incoming map[string]any) map[string]any {
	if buffer == nil {
		buffer = make(map[string]any, len(incoming))
	}
	for key, value := range incoming {
		sub, ok := value.(map[string]any)
		if !ok {
			buffer[key] = copyValue(value)
			continue
		}
		target, ok := buffer[key].(map[string]any)
		if !ok {
			target = make(map[string]any, len(sub))
		}
		buffer[key] = Merge(target, sub)
	}

	return buffer
}

// ApplyPatch applies patch to dst the way the shadow service does: a nil
// value deletes the key, nested maps recurse, anything else overwrites.
// Maps emptied by deletes are kept.
func ApplyPatch(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		if value == nil {
			delete(dst, key)
			continue
		}
		sub, ok := value.(map[string]any)
		if !ok {
			dst[key] = copyValue(value)
			continue
		}
		target, ok := dst[key].(map[string]any)
		if !ok {
			target = make(map[string]any, len(sub))
		}
		dst[key] = ApplyPatch(target, sub)
	}

	return dst
}

// Diff returns the minimal patch that turns current into next for every key
// of next. Equal leaves are dropped and nested maps recurse; a nil in next
// for a key current does not have is dropped as well. Keys only present in
// current are not considered.
func Diff(next, current map[string]any) map[string]any {
	patch := make(map[string]any)
	for key, value := range next {
		old, exists := current[key]
		if value == nil {
			if exists {
				patch[key] = nil
			}
			continue
		}
		if !exists {
			patch[key] = copyValue(value)
			continue
		}

		sub, subIsMap := value.(map[string]any)
		oldSub, oldIsMap := old.(map[string]any)
		if subIsMap && oldIsMap {
			if nested := Diff(sub, oldSub); len(nested) > 0 {
				patch[key] = nested
			}
			continue
		}
		if !Equal(value, old) {
			patch[key] = copyValue(value)
		}
	}

	return patch
}

// ClearDesiredPatch returns a patch that nulls every key present in both
// desired and payload with equal values. Partially satisfied nested maps
// recurse so that only their satisfied leaves are cleared.
func ClearDesiredPatch(desired, payload map[string]any) map[string]any {
	patch := make(map[string]any)
	for key, want := range desired {
		have, ok := payload[key]
		if !ok {
			continue
		}
		if Equal(want, have) {
			patch[key] = nil
			continue
		}
		wantSub, wantIsMap := want.(map[string]any)
		haveSub, haveIsMap := have.(map[string]any)
		if wantIsMap && haveIsMap {
			if nested := ClearDesiredPatch(wantSub, haveSub); len(nested) > 0 {
				patch[key] = nested
			}
		}
	}

	return patch
}

// Equal compares two JSON trees. Numbers compare by value regardless of
// their Go type, so an int set locally equals the float64 decoded from the wire.
func Equal(a, b any) bool {
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		return ok && an == bn
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, value := range av {
			other, exists := bv[key]
			if !exists || !Equal(value, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func copyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return Merge(make(map[string]any, len(value)), value)
	case []any:
		out := make([]any, len(value))
		for i := range value {
			out[i] = copyValue(value[i])
		}
		return out
	default:
		return v
	}
}
