// Package catalog implements the per-collection index catalog: spec
// validation, the ready/building/frozen containers, copy-on-write
// entries and the two-phase index-build protocol.
package catalog

import (
	"github.com/meridiandb/meridian/collection"
	"github.com/meridiandb/meridian/doc"
	"github.com/vmihailenco/msgpack/v5"
)

type IndexVersion int

const (
	IndexVersionV1 IndexVersion = 1
	IndexVersionV2 IndexVersion = 2

	MaxIndexVersion = IndexVersionV2
)

const IDIndexName = "_id_"

// Spec is a validated, normalized index specification. Instances are
// immutable once inside an Entry; mutation goes through the catalog's
// writable-entry acquisition which clones the spec along with the entry.
type Spec struct {
	Name    string           `msgpack:"name"`
	Key     doc.KeyPattern   `msgpack:"key"`
	Version IndexVersion     `msgpack:"v"`

	Unique        bool `msgpack:"unique,omitempty"`
	Sparse        bool `msgpack:"sparse,omitempty"`
	Hidden        bool `msgpack:"hidden,omitempty"`
	PrepareUnique bool `msgpack:"prepareUnique,omitempty"`
	Clustered     bool `msgpack:"clustered,omitempty"`

	Collation             *collection.Collation `msgpack:"collation,omitempty"`
	PartialFilter         doc.Doc               `msgpack:"partialFilterExpression,omitempty"`
	ExpireAfterSeconds    *int32                `msgpack:"expireAfterSeconds,omitempty"`
	StorageEngine         doc.Doc               `msgpack:"storageEngine,omitempty"`
	WildcardProjection    doc.Doc               `msgpack:"wildcardProjection,omitempty"`
	ColumnstoreProjection doc.Doc               `msgpack:"columnstoreProjection,omitempty"`

	// Plugin defaults filled in by the kind fix-up.
	Weights         doc.Doc `msgpack:"weights,omitempty"`
	DefaultLanguage string  `msgpack:"default_language,omitempty"`
	SphereVersion   int     `msgpack:"2dsphereIndexVersion,omitempty"`
	FinestLevel     int     `msgpack:"finestIndexedLevel,omitempty"`
	CoarsestLevel   int     `msgpack:"coarsestIndexedLevel,omitempty"`

	filter *doc.Filter
}

func (s *Spec) Kind() IndexKind { return KindOf(s.Key) }

// Filter is the parsed partial-filter expression, nil when the index is
// not partial.
func (s *Spec) Filter() *doc.Filter { return s.filter }

func (s *Spec) IsIDIndex() bool {
	return len(s.Key) == 1 && s.Key[0].Field == "_id"
}

func (s *Spec) IsPartial() bool { return len(s.PartialFilter) > 0 }

func (s *Spec) MarshalBinary() ([]byte, error) {
	type plain Spec
	return msgpack.Marshal((*plain)(s))
}

func UnmarshalSpec(b []byte) (*Spec, error) {
	s := &Spec{}
	if err := msgpack.Unmarshal(b, s); err != nil {
		return nil, err
	}
	if s.IsPartial() {
		f, err := doc.ParseFilter(s.PartialFilter, 0)
		if err != nil {
			return nil, err
		}
		s.filter = f
	}
	return s, nil
}

// Clone deep-copies the spec for copy-on-write entry cloning.
func (s *Spec) Clone() *Spec {
	c := *s
	c.Key = append(doc.KeyPattern(nil), s.Key...)
	if s.Collation != nil {
		col := *s.Collation
		c.Collation = &col
	}
	if s.ExpireAfterSeconds != nil {
		v := *s.ExpireAfterSeconds
		c.ExpireAfterSeconds = &v
	}
	c.PartialFilter = s.PartialFilter.Clone()
	c.StorageEngine = s.StorageEngine.Clone()
	c.WildcardProjection = s.WildcardProjection.Clone()
	c.ColumnstoreProjection = s.ColumnstoreProjection.Clone()
	c.Weights = s.Weights.Clone()
	return &c
}

func docEqual(a, b doc.Doc) bool {
	return valueEqual(map[string]any(a), map[string]any(b))
}

// valueEqual is structural equality over document values, with numerics
// compared by value so {a: 1} and {a: 1.0} identify the same index.
func valueEqual(a, b any) bool {
	if d, ok := a.(doc.Doc); ok {
		a = map[string]any(d)
	}
	if d, ok := b.(doc.Doc); ok {
		b = map[string]any(d)
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, present := bv[k]
			if !present || !valueEqual(v, w) {
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
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if af, ok := doc.ToFloat64(a); ok {
		bf, ok2 := doc.ToFloat64(b)
		return ok2 && af == bf
	}
	return a == b
}

func int32PtrEqual(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SameIdentifyingOptions compares the options that, together with the
// key pattern, identify one logical index. Hidden and storage-engine
// options are deliberately not identifying.
func (s *Spec) SameIdentifyingOptions(o *Spec) bool {
	return s.Unique == o.Unique &&
		s.Sparse == o.Sparse &&
		s.PrepareUnique == o.PrepareUnique &&
		s.Collation.Equal(o.Collation) &&
		int32PtrEqual(s.ExpireAfterSeconds, o.ExpireAfterSeconds) &&
		docEqual(s.PartialFilter, o.PartialFilter) &&
		docEqual(s.WildcardProjection, o.WildcardProjection) &&
		docEqual(s.ColumnstoreProjection, o.ColumnstoreProjection)
}
