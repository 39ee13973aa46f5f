package doc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Comparisons(t *testing.T) {
	f, err := ParseFilter(Doc{"a": Doc{"$gt": 5, "$lte": 10}}, 0)
	require.NoError(t, err)

	assert.True(t, f.Matches(Doc{"a": 7}))
	assert.True(t, f.Matches(Doc{"a": 10}))
	assert.False(t, f.Matches(Doc{"a": 5}))
	assert.False(t, f.Matches(Doc{"a": 11}))
	assert.False(t, f.Matches(Doc{"b": 7}), "a missing field matches nothing")
}

func TestFilter_BareValueIsEquality(t *testing.T) {
	f, err := ParseFilter(Doc{"status": "active"}, 0)
	require.NoError(t, err)
	assert.True(t, f.Matches(Doc{"status": "active"}))
	assert.False(t, f.Matches(Doc{"status": "gone"}))
}

func TestFilter_ExistsTypeIn(t *testing.T) {
	f, err := ParseFilter(Doc{
		"a": Doc{"$exists": true},
		"b": Doc{"$type": "string"},
		"c": Doc{"$in": []any{1, 2, 3}},
	}, 0)
	require.NoError(t, err)

	assert.True(t, f.Matches(Doc{"a": 0, "b": "x", "c": 2}))
	assert.False(t, f.Matches(Doc{"b": "x", "c": 2}))
	assert.False(t, f.Matches(Doc{"a": 0, "b": 9, "c": 2}))
	assert.False(t, f.Matches(Doc{"a": 0, "b": "x", "c": 9}))
}

func TestFilter_AndOr(t *testing.T) {
	f, err := ParseFilter(Doc{
		"$or": []any{
			map[string]any{"a": map[string]any{"$gt": 10}},
			map[string]any{"b": map[string]any{"$exists": true}},
		},
	}, 0)
	require.NoError(t, err)

	assert.True(t, f.Matches(Doc{"a": 11}))
	assert.True(t, f.Matches(Doc{"a": 1, "b": nil}))
	assert.False(t, f.Matches(Doc{"a": 1}))
}

func TestFilter_WhitelistRejectsUnknownOperators(t *testing.T) {
	_, err := ParseFilter(Doc{"a": Doc{"$regex": "^x"}}, 0)
	assert.Error(t, err)

	_, err = ParseFilter(Doc{"$nor": []any{map[string]any{"a": 1}}}, 0)
	assert.Error(t, err)

	_, err = ParseFilter(Doc{"a": Doc{"$in": "not an array"}}, 0)
	assert.Error(t, err)

	_, err = ParseFilter(Doc{"$and": []any{}}, 0)
	assert.Error(t, err)
}

func TestFilter_DepthLimit(t *testing.T) {
	deep := Doc{"$and": []any{map[string]any{"$and": []any{map[string]any{"$and": []any{
		map[string]any{"a": 1},
	}}}}}}

	_, err := ParseFilter(deep, 2)
	assert.ErrorIs(t, err, ErrFilterTooDeep)

	_, err = ParseFilter(deep, 0) // default depth is enough
	assert.NoError(t, err)
}

func TestFilter_GeoMatchesNothing(t *testing.T) {
	f, err := ParseFilter(Doc{"loc": Doc{"$geoWithin": Doc{"$centerSphere": []any{}}}}, 0)
	require.NoError(t, err)
	assert.False(t, f.Matches(Doc{"loc": Doc{"type": "Point"}}))
}

func TestFilter_NilMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Matches(Doc{"a": 1}))
}
