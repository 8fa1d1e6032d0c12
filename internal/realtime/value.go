package realtime

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"sort"
)

const sentinelKey = ".sv"

// ServerTimestamp returns a placeholder that the store replaces with its own
// clock, in milliseconds, when the write is applied.
func ServerTimestamp() map[string]any {
	return map[string]any{sentinelKey: "timestamp"}
}

func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	return ok && len(m) == 1 && m[sentinelKey] == "timestamp"
}

func resolveSentinels(v any, ts int64) any {
	switch t := v.(type) {
	case map[string]any:
		if isServerTimestamp(t) {
			return ts
		}
		for k, c := range t {
			t[k] = resolveSentinels(c, ts)
		}
		return t
	case []any:
		for i, c := range t {
			t[i] = resolveSentinels(c, ts)
		}
		return t
	default:
		return v
	}
}

// normalize turns any JSON-encodable value into the tree representation:
// map[string]any, []any, string, bool, int64, float64 or nil. The result
// never aliases v.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(b)
}

func decodeValue(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return fixNumbers(out), nil
}

// fixNumbers converts json.Number leaves to int64 when integral, else float64.
func fixNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, c := range t {
			t[k] = fixNumbers(c)
		}
		return t
	case []any:
		for i, c := range t {
			t[i] = fixNumbers(c)
		}
		return t
	default:
		return v
	}
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = copyValue(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = copyValue(c)
		}
		return out
	default:
		return v
	}
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Int64 reads a numeric tree value.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// String reads a string tree value, returning "" for anything else.
func String(v any) string {
	s, _ := v.(string)
	return s
}

// Decode converts a tree value into out (a pointer) through JSON.
func Decode(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// rank orders value kinds: null, bool, number, string, object.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64, int, json.Number:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case 3:
		as, bs := a.(string), b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

type child struct {
	key   string
	value any
}

// sortChildren orders children by the orderBy field (when set) then by key.
func sortChildren(cs []child, orderBy string) {
	sort.SliceStable(cs, func(i, j int) bool {
		if orderBy != "" {
			ai, bi := fieldOf(cs[i].value, orderBy), fieldOf(cs[j].value, orderBy)
			if c := compareValues(ai, bi); c != 0 {
				return c < 0
			}
		}
		return cs[i].key < cs[j].key
	})
}

func fieldOf(v any, field string) any {
	if m, ok := v.(map[string]any); ok {
		return m[field]
	}
	return nil
}
