package diffpatch

import "errors"

// ErrUnreachablePath is returned by Apply when a patch's path cannot be
// resolved against the given state (spec §4.1 "Failure modes": the runtime
// is expected to log and discard such a patch, not fail the whole batch).
var ErrUnreachablePath = errors.New("diffpatch: unreachable path")

// Apply applies patches in order to state, returning the resulting value.
// state is never mutated in place for its top-level container: every
// applied patch below the root yields a new top-level map/slice, so callers
// can safely compare the result against a previous reference (when no patch
// applies, state itself is returned). Apply is order-sensitive: an Add at a
// path may depend on a container created by an earlier patch in the same
// list.
//
// Apply does not stop on the first unreachable patch; it applies every
// patch it can and returns ErrUnreachablePath if any could not be applied,
// matching spec §4.1's "continue with best effort" policy. Callers that
// want per-patch detail should call ApplyOne.
func Apply(state any, patches []Patch) (any, error) {
	current := state
	failed := 0
	for _, p := range patches {
		next, err := ApplyOne(current, p)
		if err != nil {
			failed++
			continue
		}
		current = next
	}
	if failed > 0 {
		return current, ErrUnreachablePath
	}
	return current, nil
}

// ApplyOne applies a single patch to state and returns the resulting value.
func ApplyOne(state any, p Patch) (any, error) {
	if len(p.Path) == 0 {
		switch p.Op {
		case OpReplace, OpAdd:
			return p.Value, nil
		case OpRemove:
			return nil, nil
		}
		return state, nil
	}
	return setAtPath(state, p.Path, p.Op, p.Value)
}

func setAtPath(container any, path []string, op Op, value any) (any, error) {
	key := path[0]
	rest := path[1:]

	if idx, isIndex := asIndex(key); isIndex {
		slice, ok := container.([]any)
		if !ok {
			return nil, ErrUnreachablePath
		}
		return setInSlice(slice, idx, rest, op, value)
	}

	m, ok := container.(map[string]any)
	if !ok {
		return nil, ErrUnreachablePath
	}
	return setInMap(m, key, rest, op, value)
}

func setInMap(m map[string]any, key string, rest []string, op Op, value any) (any, error) {
	out := cloneMap(m)
	if len(rest) == 0 {
		switch op {
		case OpAdd, OpReplace:
			out[key] = value
		case OpRemove:
			delete(out, key)
		}
		return out, nil
	}
	child, exists := out[key]
	if !exists {
		return nil, ErrUnreachablePath
	}
	newChild, err := setAtPath(child, rest, op, value)
	if err != nil {
		return nil, err
	}
	out[key] = newChild
	return out, nil
}

func setInSlice(s []any, idx int, rest []string, op Op, value any) (any, error) {
	if len(rest) == 0 {
		switch op {
		case OpReplace:
			if idx < 0 || idx >= len(s) {
				return nil, ErrUnreachablePath
			}
			out := cloneSlice(s)
			out[idx] = value
			return out, nil
		case OpAdd:
			out := cloneSlice(s)
			if idx < 0 || idx > len(out) {
				return nil, ErrUnreachablePath
			}
			if idx == len(out) {
				return append(out, value), nil
			}
			out = append(out, nil)
			copy(out[idx+1:], out[idx:len(out)-1])
			out[idx] = value
			return out, nil
		case OpRemove:
			if idx < 0 || idx >= len(s) {
				return nil, ErrUnreachablePath
			}
			out := cloneSlice(s)
			return append(out[:idx], out[idx+1:]...), nil
		}
		return s, nil
	}
	if idx < 0 || idx >= len(s) {
		return nil, ErrUnreachablePath
	}
	out := cloneSlice(s)
	newChild, err := setAtPath(out[idx], rest, op, value)
	if err != nil {
		return nil, err
	}
	out[idx] = newChild
	return out, nil
}

func asIndex(key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	n := 0
	for _, c := range key {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(s []any) []any {
	out := make([]any, len(s))
	copy(out, s)
	return out
}
