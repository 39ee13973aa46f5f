package catalog

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash"
	"github.com/meridiandb/meridian/doc"
)

// Record pairs a document with its record id on the write path.
type Record struct {
	ID  uint64
	Doc doc.Doc
}

// encodeIndexRows computes the row keys one document contributes to an
// index table. Array-valued fields fan out into one row per element and
// report the field as a new multikey path.
func encodeIndexRows(spec *Spec, d doc.Doc, rid uint64) (rows [][]byte, multikeyPaths []string) {
	perField := make([][][]byte, 0, len(spec.Key))
	hashed := spec.Kind() == KindHashed
	for _, e := range spec.Key {
		v, ok := d.Get(e.Field)
		if !ok {
			if spec.Sparse {
				return nil, nil
			}
			v = nil
		}
		if arr, isArr := v.([]any); isArr {
			multikeyPaths = append(multikeyPaths, e.Field)
			elems := make([][]byte, 0, len(arr))
			for _, el := range arr {
				elems = append(elems, encodeKeyValue(el, hashed))
			}
			if len(elems) == 0 {
				elems = append(elems, encodeKeyValue(nil, hashed))
			}
			perField = append(perField, elems)
		} else {
			perField = append(perField, [][]byte{encodeKeyValue(v, hashed)})
		}
	}

	// cartesian product across fields, then the record id suffix
	combos := [][]byte{nil}
	for _, elems := range perField {
		next := make([][]byte, 0, len(combos)*len(elems))
		for _, c := range combos {
			for _, el := range elems {
				row := make([]byte, 0, len(c)+len(el)+1)
				row = append(row, c...)
				row = append(row, el...)
				row = append(row, 0)
				next = append(next, row)
			}
		}
		combos = next
	}
	for _, c := range combos {
		rows = append(rows, binary.BigEndian.AppendUint64(c, rid))
	}
	return rows, multikeyPaths
}

// encodeKeyValue renders one key component in an order-preserving way:
// a type tag followed by a comparable byte form. Hashed indexes store
// the 64-bit hash of the rendered value instead.
func encodeKeyValue(v any, hashed bool) []byte {
	var out []byte
	switch {
	case v == nil:
		out = []byte{0x01}
	default:
		if f, ok := doc.ToFloat64(v); ok {
			bits := math.Float64bits(f)
			if f >= 0 {
				bits ^= 1 << 63
			} else {
				bits = ^bits
			}
			out = binary.BigEndian.AppendUint64([]byte{0x02}, bits)
		} else if s, ok := v.(string); ok {
			out = append([]byte{0x03}, s...)
		} else if b, ok := v.(bool); ok {
			if b {
				out = []byte{0x04, 1}
			} else {
				out = []byte{0x04, 0}
			}
		} else {
			out = append([]byte{0x05}, fmt.Sprintf("%v", v)...)
		}
	}
	if hashed {
		return binary.BigEndian.AppendUint64([]byte{0x06}, xxhash.Sum64(out))
	}
	return out
}
