package catalog

import (
	"testing"

	"github.com/meridiandb/meridian/collection"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validationColl(opts collection.Options) *collection.Collection {
	return collection.New("db.coll", 1, opts, nil)
}

func TestValidate_Defaults(t *testing.T) {
	coll := validationColl(collection.Options{})
	s, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1",
		"key":  doc.Key("a", 1),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, MaxIndexVersion, s.Version)
	assert.Equal(t, KindBtree, s.Kind())
	assert.False(t, s.Unique)
}

func TestValidate_VersionChecks(t *testing.T) {
	coll := validationColl(collection.Options{})

	_, err := ValidateAndFix(coll, doc.Doc{"name": "a_1", "key": doc.Key("a", 1), "v": 9}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	_, err = ValidateAndFix(coll, doc.Doc{"name": "a_1", "key": doc.Key("a", 1), "v": 1.5}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	s, err := ValidateAndFix(coll, doc.Doc{"name": "a_1", "key": doc.Key("a", 1), "v": 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, IndexVersionV1, s.Version)
}

func TestValidate_NameRules(t *testing.T) {
	coll := validationColl(collection.Options{})

	_, err := ValidateAndFix(coll, doc.Doc{"key": doc.Key("a", 1)}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	_, err = ValidateAndFix(coll, doc.Doc{"name": "", "key": doc.Key("a", 1)}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	_, err = ValidateAndFix(coll, doc.Doc{"name": "bad\x00name", "key": doc.Key("a", 1)}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}

func TestValidate_KeyPattern(t *testing.T) {
	coll := validationColl(collection.Options{})

	_, err := ValidateAndFix(coll, doc.Doc{"name": "x", "key": doc.KeyPattern{}}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	// zero direction is invalid for v2
	_, err = ValidateAndFix(coll, doc.Doc{"name": "x", "key": doc.Key("a", 0)}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	_, err = ValidateAndFix(coll, doc.Doc{"name": "x", "key": doc.Key("a", "bogus_plugin")}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}

func TestValidate_UnknownFieldRejectedForV2(t *testing.T) {
	coll := validationColl(collection.Options{})

	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1), "bogusField": true,
	}, 0)
	assert.Equal(t, meridianerrors.CodeInvalidIndexSpecificationOption, meridianerrors.CodeOf(err))

	// v1 tolerates it
	_, err = ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1), "v": 1, "bogusField": true,
	}, 0)
	assert.NoError(t, err)
}

func TestValidate_TextDefaultsFilledIn(t *testing.T) {
	coll := validationColl(collection.Options{})
	s, err := ValidateAndFix(coll, doc.Doc{"name": "t", "key": doc.Key("body", "text")}, 0)
	require.NoError(t, err)
	assert.Equal(t, KindText, s.Kind())
	assert.Equal(t, "english", s.DefaultLanguage)
	require.NotNil(t, s.Weights)
	assert.Equal(t, 1, s.Weights["body"])
}

func TestValidate_CollationRules(t *testing.T) {
	coll := validationColl(collection.Options{})
	fr := &collection.Collation{Locale: "fr"}

	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1), "v": 1, "collation": fr,
	}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	_, err = ValidateAndFix(coll, doc.Doc{
		"name": "t", "key": doc.Key("body", "text"), "collation": fr,
	}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	// the simple collation normalizes to absent
	s, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1), "collation": &collection.Collation{Locale: "simple"},
	}, 0)
	require.NoError(t, err)
	assert.Nil(t, s.Collation)

	s, err = ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1), "collation": fr,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "fr", s.Collation.Locale)
}

func TestValidate_PartialFilter(t *testing.T) {
	coll := validationColl(collection.Options{})

	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1),
		"sparse":                  true,
		"partialFilterExpression": doc.Doc{"a": doc.Doc{"$gt": 5}},
	}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	// whitelist, not blacklist: $regex is out
	_, err = ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1),
		"partialFilterExpression": doc.Doc{"a": doc.Doc{"$regex": "^x"}},
	}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))

	s, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1),
		"partialFilterExpression": doc.Doc{
			"a": doc.Doc{"$gt": 5},
			"$and": []any{
				map[string]any{"b": map[string]any{"$exists": true}},
			},
		},
	}, 0)
	require.NoError(t, err)
	require.NotNil(t, s.Filter())
	assert.True(t, s.Filter().Matches(doc.Doc{"a": 6, "b": 1}))
	assert.False(t, s.Filter().Matches(doc.Doc{"a": 4, "b": 1}))
	assert.False(t, s.Filter().Matches(doc.Doc{"a": 6}))
}

func TestValidate_PartialFilterDepthLimit(t *testing.T) {
	coll := validationColl(collection.Options{})
	deep := doc.Doc{"$and": []any{map[string]any{"$and": []any{map[string]any{"$and": []any{
		map[string]any{"a": 1},
	}}}}}}
	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1), "partialFilterExpression": deep,
	}, 2)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}

func TestValidate_NegativeTTL(t *testing.T) {
	coll := validationColl(collection.Options{})
	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1), "expireAfterSeconds": -5,
	}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}

func TestValidate_IDIndexInvariants(t *testing.T) {
	coll := validationColl(collection.Options{})
	base := func() doc.Doc {
		return doc.Doc{"name": IDIndexName, "key": doc.Key("_id", 1)}
	}

	s, err := ValidateAndFix(coll, base(), 0)
	require.NoError(t, err)
	assert.True(t, s.Unique, "_id is implicitly unique")

	for name, raw := range map[string]doc.Doc{
		"sparse":     {"name": IDIndexName, "key": doc.Key("_id", 1), "sparse": true},
		"non-unique": {"name": IDIndexName, "key": doc.Key("_id", 1), "unique": false},
		"partial": {"name": IDIndexName, "key": doc.Key("_id", 1),
			"partialFilterExpression": doc.Doc{"a": 1}},
		"ttl":       {"name": IDIndexName, "key": doc.Key("_id", 1), "expireAfterSeconds": 60},
		"collation": {"name": IDIndexName, "key": doc.Key("_id", 1), "collation": &collection.Collation{Locale: "fr"}},
		"descending": {"name": IDIndexName, "key": doc.Key("_id", -1)},
	} {
		_, err := ValidateAndFix(coll, raw, 0)
		assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err), name)
	}
}

func TestValidate_WildcardProjection(t *testing.T) {
	coll := validationColl(collection.Options{})

	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "w", "key": doc.Key("$**", 1),
		"wildcardProjection": doc.Doc{"a": 1, "b": 0},
	}, 0)
	assert.Equal(t, meridianerrors.CodeFailedToParse, meridianerrors.CodeOf(err))

	_, err = ValidateAndFix(coll, doc.Doc{
		"name": "w", "key": doc.Key("$**", 1),
		"wildcardProjection": doc.Doc{},
	}, 0)
	assert.Equal(t, meridianerrors.CodeFailedToParse, meridianerrors.CodeOf(err))

	// excluding _id inside an inclusion is the one permitted mix
	_, err = ValidateAndFix(coll, doc.Doc{
		"name": "w", "key": doc.Key("$**", 1),
		"wildcardProjection": doc.Doc{"a": 1, "_id": 0},
	}, 0)
	assert.NoError(t, err)
}

func TestValidate_HashedUnique(t *testing.T) {
	coll := validationColl(collection.Options{})
	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "h", "key": doc.Key("a", "hashed"), "unique": true,
	}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}

func TestValidate_ClusteredCrossCheck(t *testing.T) {
	coll := validationColl(collection.Options{
		Clustered: &collection.ClusteredInfo{Key: doc.Key("_id", 1), Unique: true, V: 2},
	})

	// full match under any name: exists implicitly, soft outcome
	_, err := ValidateAndFix(coll, doc.Doc{
		"name": "whatever", "key": doc.Key("_id", 1), "unique": true,
	}, 0)
	assert.Equal(t, meridianerrors.CodeIndexAlreadyExists, meridianerrors.CodeOf(err))
	assert.True(t, meridianerrors.Soft(err))

	// v mismatch is a hard failure
	_, err = ValidateAndFix(coll, doc.Doc{
		"name": "whatever", "key": doc.Key("_id", 1), "unique": true, "v": 1,
	}, 0)
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}
