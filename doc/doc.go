// Package doc holds the document model shared by the index catalog and
// the bucket engine: loosely typed documents, ordered key patterns and
// the restricted filter grammar used by partial indexes.
package doc

import (
	"strings"
)

// Doc is a schemaless document. Field order is not significant except
// inside a KeyPattern, which keeps its own ordering.
type Doc map[string]any

// Get resolves a dotted path ("a.b.c") against the document. The second
// return is false if any path segment is missing or a non-document value
// is traversed.
func (d Doc) Get(path string) (any, bool) {
	cur := any(d)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(Doc)
		if !ok {
			mm, ok2 := cur.(map[string]any)
			if !ok2 {
				return nil, false
			}
			m = Doc(mm)
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Clone makes a shallow copy one level deep, enough for copy-on-write
// callers that only replace top-level fields.
func (d Doc) Clone() Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ToFloat64 converts any numeric value to float64 for comparison.
func ToFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Compare orders two scalar values: -1, 0 or 1. Values of incomparable
// types order by type name so that min/max summaries stay deterministic.
func Compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, ok := ToFloat64(a); ok {
		if bf, ok2 := ToFloat64(b); ok2 {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}
	return strings.Compare(typeName(a), typeName(b))
}

func typeName(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	case Doc, map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		if _, ok := ToFloat64(v); ok {
			return "number"
		}
		return "unknown"
	}
}

// TypeName reports the coarse type of a value, used by $type filters and
// bucket schema-change detection.
func TypeName(v any) string { return typeName(v) }
