package store

import (
	"encoding/json"
	"strings"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
)

// Wildcard subscribes to every change.
const Wildcard = "*"

// splitPath validates a dot-separated path and returns its segments.
func splitPath(path string) ([]string, error) {
	if path == "" || path == Wildcard {
		return nil, svcerrors.InvalidPath(path)
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" || s == Wildcard {
			return nil, svcerrors.InvalidPath(path)
		}
	}
	return segs, nil
}

// ancestors returns the strict ancestors of path, nearest first.
func ancestors(segs []string) []string {
	out := make([]string, 0, len(segs)-1)
	for i := len(segs) - 1; i > 0; i-- {
		out = append(out, strings.Join(segs[:i], "."))
	}
	return out
}

// getIn resolves segs under root. Missing keys and non-object
// intermediates yield nil.
func getIn(root map[string]interface{}, segs []string) interface{} {
	var cur interface{} = root
	for _, s := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[s]
		if !ok {
			return nil
		}
	}
	return cur
}

// setIn returns a new root with v stored at segs. Only the maps along the
// path are copied; siblings are shared with the previous root, which is
// never modified.
func setIn(root map[string]interface{}, segs []string, v interface{}) (map[string]interface{}, error) {
	next := shallowCopy(root)
	cur := next
	for i, s := range segs[:len(segs)-1] {
		var m map[string]interface{}
		switch c := cur[s].(type) {
		case map[string]interface{}:
			m = shallowCopy(c)
		case nil:
			m = make(map[string]interface{})
		default:
			return nil, svcerrors.InvalidPath(strings.Join(segs[:i+1], ".")).
				WithDetails("reason", "intermediate value is not an object")
		}
		cur[s] = m
		cur = m
	}
	cur[segs[len(segs)-1]] = v
	return next, nil
}

func shallowCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deepCopy copies the JSON-shaped containers of v.
func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// normalize converts v into its JSON-shaped form (maps, slices, float64,
// string, bool, nil) so stored values never alias caller memory.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, svcerrors.Validation("value is not JSON-encodable: " + err.Error())
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, svcerrors.Internal("normalize value", err)
	}
	return out, nil
}
