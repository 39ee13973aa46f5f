package catalog

import (
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/meridianerrors"
)

// IndexKind replaces per-call plugin-name string matching with a tagged
// enum and a dispatch table of per-plugin hooks.
type IndexKind byte

const (
	KindBtree IndexKind = iota
	KindText
	KindGeo2dSphere
	KindGeo2dSphereBucket
	KindHashed
	KindWildcard
	KindColumn
)

func (k IndexKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindGeo2dSphere:
		return "2dsphere"
	case KindGeo2dSphereBucket:
		return "2dsphere_bucket"
	case KindHashed:
		return "hashed"
	case KindWildcard:
		return "wildcard"
	case KindColumn:
		return "columnstore"
	default:
		return "btree"
	}
}

// KindOf derives the plugin kind from a key pattern: the first
// non-numeric value element selects the plugin, numeric-only patterns
// are btree. A field named "$**" selects the wildcard plugin.
func KindOf(kp doc.KeyPattern) IndexKind {
	for _, e := range kp {
		if e.Field == "$**" || hasWildcardSuffix(e.Field) {
			if s, ok := e.Value.(string); ok && s == "columnstore" {
				return KindColumn
			}
			return KindWildcard
		}
		s, ok := e.Value.(string)
		if !ok {
			continue
		}
		switch s {
		case "text":
			return KindText
		case "2dsphere":
			return KindGeo2dSphere
		case "2dsphere_bucket":
			return KindGeo2dSphereBucket
		case "hashed":
			return KindHashed
		case "columnstore":
			return KindColumn
		}
	}
	return KindBtree
}

func hasWildcardSuffix(field string) bool {
	return len(field) >= 4 && field[len(field)-4:] == ".$**"
}

// kindHooks are the per-plugin validation extensions: fixUp fills in
// plugin defaults on the normalized spec, extraValidate runs after the
// generic checks.
type kindHooks struct {
	fixUp         func(s *Spec)
	extraValidate func(s *Spec) error
}

const (
	defaultTextLanguage  = "english"
	defaultSphereVersion = 3
	defaultFinestLevel   = 23
	defaultCoarsestLevel = 0
)

var kindDispatch = map[IndexKind]kindHooks{
	KindText: {
		fixUp: func(s *Spec) {
			if s.DefaultLanguage == "" {
				s.DefaultLanguage = defaultTextLanguage
			}
			if s.Weights == nil {
				s.Weights = doc.Doc{}
				for _, e := range s.Key {
					if v, ok := e.Value.(string); ok && v == "text" {
						s.Weights[e.Field] = 1
					}
				}
			}
		},
	},
	KindGeo2dSphere: {
		fixUp: fixUpSphere,
	},
	KindGeo2dSphereBucket: {
		fixUp: fixUpSphere,
	},
	KindHashed: {
		extraValidate: func(s *Spec) error {
			if s.Unique {
				return meridianerrors.New(meridianerrors.CodeCannotCreateIndex,
					"a hashed index cannot enforce uniqueness")
			}
			return nil
		},
	},
	KindWildcard: {
		extraValidate: func(s *Spec) error {
			return validateProjection(s.WildcardProjection, "wildcardProjection")
		},
	},
	KindColumn: {
		extraValidate: func(s *Spec) error {
			return validateProjection(s.ColumnstoreProjection, "columnstoreProjection")
		},
	},
}

func fixUpSphere(s *Spec) {
	if s.SphereVersion == 0 {
		s.SphereVersion = defaultSphereVersion
	}
	if s.FinestLevel == 0 {
		s.FinestLevel = defaultFinestLevel
	}
	if s.CoarsestLevel == 0 {
		s.CoarsestLevel = defaultCoarsestLevel
	}
}

// validateProjection enforces the inclusion/exclusion rules: a
// projection cannot mix the two modes except for excluding the _id
// subtree inside an inclusion, and computed fields are not allowed.
func validateProjection(proj doc.Doc, what string) error {
	if proj == nil {
		return nil
	}
	if len(proj) == 0 {
		return meridianerrors.New(meridianerrors.CodeFailedToParse,
			"%s cannot be empty", what)
	}
	includes, excludes := 0, 0
	for field, v := range proj {
		f, ok := doc.ToFloat64(v)
		if !ok {
			if _, isBool := v.(bool); !isBool {
				return meridianerrors.New(meridianerrors.CodeFailedToParse,
					"%s cannot contain computed fields", what)
			}
			if v.(bool) {
				f = 1
			}
		}
		isID := field == "_id" || (len(field) > 4 && field[:4] == "_id.")
		if f != 0 {
			includes++
		} else {
			if isID {
				continue // _id exclusion is allowed inside an inclusion
			}
			excludes++
		}
	}
	if includes > 0 && excludes > 0 {
		return meridianerrors.New(meridianerrors.CodeFailedToParse,
			"%s cannot mix inclusion and exclusion", what)
	}
	return nil
}
