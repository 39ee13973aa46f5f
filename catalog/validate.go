package catalog

import (
	"math"
	"strings"

	"github.com/meridiandb/meridian/collection"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/meridianerrors"
)

// Top-level spec fields a v2 index accepts. v1 specs historically
// tolerated garbage fields, so the whitelist only binds for v >= 2.
var knownSpecFields = map[string]bool{
	"v": true, "name": true, "key": true,
	"unique": true, "sparse": true, "hidden": true,
	"prepareUnique": true, "clustered": true,
	"collation": true, "partialFilterExpression": true,
	"expireAfterSeconds": true, "storageEngine": true,
	"wildcardProjection": true, "columnstoreProjection": true,
	"weights": true, "default_language": true,
	"2dsphereIndexVersion": true, "finestIndexedLevel": true,
	"coarsestIndexedLevel": true,
}

var collationAllowed = map[IndexKind]bool{
	KindBtree:       true,
	KindGeo2dSphere: true,
	KindHashed:      true,
	KindWildcard:    true,
}

func cannotCreate(format string, args ...any) error {
	return meridianerrors.New(meridianerrors.CodeCannotCreateIndex, format, args...)
}

func invalidOption(format string, args ...any) error {
	return meridianerrors.New(meridianerrors.CodeInvalidIndexSpecificationOption, format, args...)
}

// ValidateAndFix checks a candidate raw spec against the collection and
// returns the normalized Spec with defaults applied. All failures are
// returned, never thrown; the closed error codes let callers map them
// to user outcomes.
func ValidateAndFix(coll *collection.Collection, raw doc.Doc, maxFilterDepth int) (*Spec, error) {
	s := &Spec{}

	// version first: everything later can depend on it
	if v, ok := raw["v"]; ok {
		f, isNum := doc.ToFloat64(v)
		if !isNum || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
			return nil, cannotCreate("index spec field 'v' must be representable as a 32-bit integer, got %v", v)
		}
		s.Version = IndexVersion(f)
	} else {
		s.Version = MaxIndexVersion
	}
	if s.Version != IndexVersionV1 && s.Version != IndexVersionV2 {
		return nil, cannotCreate("unsupported index version %d", s.Version)
	}

	name, ok := raw["name"].(string)
	if !ok || name == "" {
		return nil, cannotCreate("index spec requires a non-empty string 'name'")
	}
	if strings.ContainsRune(name, 0) {
		return nil, cannotCreate("index name cannot contain a NUL byte")
	}
	s.Name = name

	key, ok := raw["key"].(doc.KeyPattern)
	if !ok || key.Empty() {
		return nil, cannotCreate("index spec requires a non-empty 'key' pattern")
	}
	s.Key = key
	if err := validateKeyPattern(key, s.Version); err != nil {
		return nil, err
	}

	if s.Version >= IndexVersionV2 {
		for field := range raw {
			if !knownSpecFields[field] {
				return nil, invalidOption("unknown index spec field %q for index version %d", field, s.Version)
			}
		}
	}

	var err error
	if s.Unique, err = specBool(raw, "unique"); err != nil {
		return nil, err
	}
	if s.Sparse, err = specBool(raw, "sparse"); err != nil {
		return nil, err
	}
	if s.Hidden, err = specBool(raw, "hidden"); err != nil {
		return nil, err
	}
	if s.PrepareUnique, err = specBool(raw, "prepareUnique"); err != nil {
		return nil, err
	}
	if s.Clustered, err = specBool(raw, "clustered"); err != nil {
		return nil, err
	}
	s.StorageEngine, _ = rawDoc(raw, "storageEngine")
	s.WildcardProjection, _ = rawDoc(raw, "wildcardProjection")
	s.ColumnstoreProjection, _ = rawDoc(raw, "columnstoreProjection")
	s.Weights, _ = rawDoc(raw, "weights")
	if lang, ok := raw["default_language"].(string); ok {
		s.DefaultLanguage = lang
	}

	kind := s.Kind()
	hooks := kindDispatch[kind]
	if hooks.fixUp != nil {
		hooks.fixUp(s)
	}

	if rawColl, present := raw["collation"]; present {
		cd, ok := rawColl.(*collection.Collation)
		if !ok {
			return nil, cannotCreate("index spec field 'collation' must be a collation object")
		}
		if s.Version < IndexVersionV2 {
			return nil, cannotCreate("collation requires index version >= 2")
		}
		if !collationAllowed[kind] {
			return nil, cannotCreate("collation is not supported for %s indexes", kind)
		}
		if !cd.IsSimple() {
			s.Collation = cd
		}
	}

	if rawFilter, present := raw["partialFilterExpression"]; present {
		fd, ok := rawFilter.(doc.Doc)
		if !ok {
			if m, ok2 := rawFilter.(map[string]any); ok2 {
				fd = doc.Doc(m)
			} else {
				return nil, cannotCreate("partialFilterExpression must be an object")
			}
		}
		if s.Sparse {
			return nil, cannotCreate("cannot mix partialFilterExpression and sparse")
		}
		filter, err := doc.ParseFilter(fd, maxFilterDepth)
		if err != nil {
			return nil, meridianerrors.New(meridianerrors.CodeCannotCreateIndex,
				"invalid partialFilterExpression: %s", err)
		}
		s.PartialFilter = fd
		s.filter = filter
	}

	if rawTTL, present := raw["expireAfterSeconds"]; present {
		f, isNum := doc.ToFloat64(rawTTL)
		if !isNum || f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
			return nil, cannotCreate("expireAfterSeconds must be a non-negative 32-bit integer, got %v", rawTTL)
		}
		if kind != KindBtree {
			return nil, cannotCreate("TTL is only supported on btree indexes")
		}
		ttl := int32(f)
		s.ExpireAfterSeconds = &ttl
	}

	if hooks.extraValidate != nil {
		if err := hooks.extraValidate(s); err != nil {
			return nil, err
		}
	}

	if s.IsIDIndex() {
		if err := validateIDIndex(coll, s, raw); err != nil {
			return nil, err
		}
	}

	if err := checkClustered(coll, s); err != nil {
		return nil, err
	}

	return s, nil
}

func validateKeyPattern(kp doc.KeyPattern, v IndexVersion) error {
	for _, e := range kp {
		if e.Field == "" {
			return cannotCreate("index key pattern field names cannot be empty")
		}
		if f, ok := doc.ToFloat64(e.Value); ok {
			if v >= IndexVersionV2 && (f == 0 || math.IsNaN(f)) {
				return cannotCreate("invalid direction %v for field %q in a v%d index", e.Value, e.Field, v)
			}
			continue
		}
		sel, ok := e.Value.(string)
		if !ok {
			return cannotCreate("index key pattern values must be numeric directions or plugin names")
		}
		switch sel {
		case "text", "hashed", "2dsphere", "2dsphere_bucket", "columnstore":
		default:
			return cannotCreate("unknown index plugin %q", sel)
		}
	}
	return nil
}

func validateIDIndex(coll *collection.Collection, s *Spec, raw doc.Doc) error {
	clustered := coll.IsClustered() && coll.GetClusteredInfo().Key.Equal(s.Key)
	if !clustered {
		one, _ := doc.ToFloat64(s.Key[0].Value)
		if one != 1 {
			return cannotCreate("the _id index must have key pattern {_id: 1}")
		}
	}
	if s.Sparse {
		return cannotCreate("the _id index cannot be sparse")
	}
	if s.IsPartial() {
		return cannotCreate("the _id index cannot be partial")
	}
	if s.ExpireAfterSeconds != nil {
		return cannotCreate("the _id index cannot have a TTL")
	}
	if s.Collation != nil {
		return cannotCreate("the _id index must use the collection's default collation")
	}
	if s.Hidden {
		return cannotCreate("the _id index cannot be hidden")
	}
	if v, present := raw["unique"]; present {
		if b, _ := coerceBool(v); !b {
			return cannotCreate("the _id index must be unique")
		}
	}
	s.Unique = true
	return nil
}

// checkClustered enforces the rules for a candidate whose key matches a
// clustered collection's cluster key: a different name is permitted,
// but v and unique must match the cluster definition exactly. A full
// match means the index exists implicitly; PrepareSpecForCreate maps
// that to the soft already-exists outcome.
func checkClustered(coll *collection.Collection, s *Spec) error {
	if !coll.IsClustered() {
		return nil
	}
	ci := coll.GetClusteredInfo()
	if !ci.Key.Equal(s.Key) {
		return nil
	}
	if int(s.Version) != ci.V {
		return cannotCreate("cannot create an index with key %s and v=%d on a clustered collection with v=%d",
			s.Key, s.Version, ci.V)
	}
	if s.Unique != ci.Unique {
		return cannotCreate("cannot create an index with key %s whose uniqueness differs from the cluster key",
			s.Key)
	}
	return errClusteredImplicit
}

var errClusteredImplicit = meridianerrors.New(meridianerrors.CodeIndexAlreadyExists,
	"the index exists implicitly as the collection's cluster key")

func specBool(raw doc.Doc, field string) (bool, error) {
	v, present := raw[field]
	if !present {
		return false, nil
	}
	b, ok := coerceBool(v)
	if !ok {
		return false, invalidOption("index spec field %q must be a boolean", field)
	}
	return b, nil
}

func coerceBool(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	if f, ok := doc.ToFloat64(v); ok {
		return f != 0, true
	}
	return false, false
}

func rawDoc(raw doc.Doc, field string) (doc.Doc, bool) {
	v, present := raw[field]
	if !present {
		return nil, false
	}
	switch d := v.(type) {
	case doc.Doc:
		return d, true
	case map[string]any:
		return doc.Doc(d), true
	default:
		return nil, false
	}
}
