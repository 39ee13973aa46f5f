package doc

import (
	"fmt"
	"strings"
)

// KeyElem is one component of an index key pattern. Value is either a
// numeric direction (1 / -1) or a plugin selector string ("text",
// "hashed", "2dsphere", ...).
type KeyElem struct {
	Field string `msgpack:"field"`
	Value any    `msgpack:"value"`
}

// KeyPattern is an ordered field->direction/type mapping. Order matters:
// {a:1, b:1} and {b:1, a:1} are different indexes.
type KeyPattern []KeyElem

func Key(pairs ...any) KeyPattern {
	if len(pairs)%2 != 0 {
		panic("doc.Key: odd argument count")
	}
	kp := make(KeyPattern, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		kp = append(kp, KeyElem{Field: pairs[i].(string), Value: pairs[i+1]})
	}
	return kp
}

func (kp KeyPattern) Empty() bool { return len(kp) == 0 }

// Equal is order-sensitive structural equality, with numeric directions
// compared by value (int 1 equals float64 1).
func (kp KeyPattern) Equal(other KeyPattern) bool {
	if len(kp) != len(other) {
		return false
	}
	for i := range kp {
		if kp[i].Field != other[i].Field {
			return false
		}
		if !keyValueEqual(kp[i].Value, other[i].Value) {
			return false
		}
	}
	return true
}

func keyValueEqual(a, b any) bool {
	if af, ok := ToFloat64(a); ok {
		bf, ok2 := ToFloat64(b)
		return ok2 && af == bf
	}
	as, ok := a.(string)
	bs, ok2 := b.(string)
	return ok && ok2 && as == bs
}

func (kp KeyPattern) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range kp {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", e.Field, e.Value)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Fields lists the indexed field paths in pattern order.
func (kp KeyPattern) Fields() []string {
	out := make([]string, len(kp))
	for i, e := range kp {
		out[i] = e.Field
	}
	return out
}
