package doc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDoc_GetDottedPath(t *testing.T) {
	d := Doc{
		"a": Doc{"b": Doc{"c": 7}},
		"m": map[string]any{"n": "x"},
		"s": "leaf",
	}

	v, ok := d.Get("a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = d.Get("m.n")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = d.Get("a.b.missing")
	assert.False(t, ok)

	// traversing through a scalar fails, it does not panic
	_, ok = d.Get("s.deeper")
	assert.False(t, ok)
}

func TestCompare_Ordering(t *testing.T) {
	assert.Equal(t, 0, Compare(1, 1.0), "numerics compare by value across types")
	assert.Equal(t, -1, Compare(int64(1), 2))
	assert.Equal(t, 1, Compare("b", "a"))
	assert.Equal(t, -1, Compare(false, true))
	assert.Equal(t, -1, Compare(nil, 0), "null sorts first")
	assert.Equal(t, 0, Compare(nil, nil))

	// incomparable types order by type name, deterministically
	assert.Equal(t, Compare("x", 1), -Compare(1, "x"))
}

func TestTypeName(t *testing.T) {
	cases := map[string]any{
		"number": int64(1),
		"string": "s",
		"bool":   true,
		"object": Doc{},
		"array":  []any{},
		"null":   nil,
	}
	for want, v := range cases {
		assert.Equal(t, want, TypeName(v))
	}
}

func TestKeyPattern_Equal(t *testing.T) {
	assert.True(t, Key("a", 1, "b", -1).Equal(Key("a", 1.0, "b", -1.0)))
	assert.False(t, Key("a", 1, "b", 1).Equal(Key("b", 1, "a", 1)), "order is significant")
	assert.False(t, Key("a", 1).Equal(Key("a", -1)))
	assert.True(t, Key("a", "text").Equal(Key("a", "text")))
	assert.False(t, Key("a", "text").Equal(Key("a", 1)))
}

func TestKeyPattern_String(t *testing.T) {
	assert.Equal(t, "{a: 1, b: text}", Key("a", 1, "b", "text").String())
}
