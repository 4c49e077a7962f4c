// Package diffpatch implements the structural diff/apply codec from spec
// §4.1. State values are the generic JSON-shaped trees authors produce from
// setup()/actions: map[string]any, []any, and primitives. Diff computes the
// minimal ordered sequence of edits turning oldState into newState; Apply
// replays that sequence against a state value.
package diffpatch

import (
	"fmt"
	"sort"
)

// Op is one of the three structural edit kinds spec §3 defines for a Patch.
type Op string

const (
	OpReplace Op = "replace"
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
)

// Patch is one structural edit at a Path rooted at the state value.
// Path is an ordered sequence of string keys (mapping keys, or stringified
// sequence indices); the root state is an empty Path.
type Patch struct {
	Op    Op     `json:"op"`
	Path  []string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Diff computes the ordered patch list turning oldState into newState.
// Traversal is depth-first; for maps, keys are visited in the stable order
// produced by sortedKeys (insertion order is not preserved by Go's map type,
// so Diff falls back to a deterministic lexical order — callers that need
// insertion-order patches should not rely on map key emission order across
// unrelated keys, only on the relative order between a removal and a later
// add at the same path, which Diff always preserves).
func Diff(oldState, newState any) []Patch {
	var patches []Patch
	diffValue(nil, oldState, newState, &patches)
	return patches
}

func diffValue(path []string, oldV, newV any, patches *[]Patch) {
	if valuesEqual(oldV, newV) {
		return
	}

	oldMap, oldIsMap := oldV.(map[string]any)
	newMap, newIsMap := newV.(map[string]any)
	if oldIsMap && newIsMap {
		diffMaps(path, oldMap, newMap, patches)
		return
	}

	oldSlice, oldIsSlice := oldV.([]any)
	newSlice, newIsSlice := newV.([]any)
	if oldIsSlice && newIsSlice {
		diffSlices(path, oldSlice, newSlice, patches)
		return
	}

	// Type changed, or a primitive changed, or one side was nil: a single
	// replace at this path.
	*patches = append(*patches, Patch{Op: OpReplace, Path: appendPath(path), Value: newV})
}

func diffMaps(path []string, oldMap, newMap map[string]any, patches *[]Patch) {
	for _, key := range sortedKeys(oldMap) {
		childPath := append(append([]string{}, path...), key)
		if newVal, ok := newMap[key]; ok {
			diffValue(childPath, oldMap[key], newVal, patches)
		} else {
			*patches = append(*patches, Patch{Op: OpRemove, Path: childPath})
		}
	}
	for _, key := range sortedKeys(newMap) {
		if _, existed := oldMap[key]; !existed {
			childPath := append(append([]string{}, path...), key)
			*patches = append(*patches, Patch{Op: OpAdd, Path: childPath, Value: newMap[key]})
		}
	}
}

func diffSlices(path []string, oldSlice, newSlice []any, patches *[]Patch) {
	minLen := len(oldSlice)
	if len(newSlice) < minLen {
		minLen = len(newSlice)
	}
	for i := 0; i < minLen; i++ {
		childPath := append(append([]string{}, path...), indexKey(i))
		diffValue(childPath, oldSlice[i], newSlice[i], patches)
	}
	for i := len(oldSlice) - 1; i >= minLen; i-- {
		childPath := append(append([]string{}, path...), indexKey(i))
		*patches = append(*patches, Patch{Op: OpRemove, Path: childPath})
	}
	for i := minLen; i < len(newSlice); i++ {
		childPath := append(append([]string{}, path...), indexKey(i))
		*patches = append(*patches, Patch{Op: OpAdd, Path: childPath, Value: newSlice[i]})
	}
}

func appendPath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}

func indexKey(i int) string {
	return fmt.Sprintf("%d", i)
}

// valuesEqual reports structural equality for primitives, maps, and slices.
// Functions and other non-serializable values are never produced by author
// state (spec §3), so they are not handled specially here.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, vv := range av {
			bvv, exists := bv[k]
			if !exists || !valuesEqual(vv, bvv) {
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
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
