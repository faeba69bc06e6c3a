package filter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuery(t *testing.T) {
	t.Run("bare value means equality", func(t *testing.T) {
		g, err := ParseQuery(map[string]any{"status": "active"})
		require.NoError(t, err)
		require.Len(t, g.And, 1)
		af := g.And[0].(*AttributeFilter)
		assert.Equal(t, "status", af.Attribute)
		assert.Equal(t, []Clause{{Op: "eq", Value: "active"}}, af.Clauses)
	})

	t.Run("operator map with coercion", func(t *testing.T) {
		g, err := ParseQuery(map[string]any{"age": map[string]any{"gte": "18"}})
		require.NoError(t, err)
		af := g.And[0].(*AttributeFilter)
		assert.Equal(t, []Clause{{Op: "gte", Value: int64(18)}}, af.Clauses)
	})

	t.Run("array operator splits delimited string", func(t *testing.T) {
		g, err := ParseQuery(map[string]any{"status": map[string]any{"in": "active,pending;archived"}})
		require.NoError(t, err)
		af := g.And[0].(*AttributeFilter)
		require.Len(t, af.Clauses, 1)
		assert.Equal(t, []any{"active", "pending", "archived"}, af.Clauses[0].Value)
	})

	t.Run("scalar operator string is not split", func(t *testing.T) {
		g, err := ParseQuery(map[string]any{"name": map[string]any{"eq": "a,b"}})
		require.NoError(t, err)
		af := g.And[0].(*AttributeFilter)
		assert.Equal(t, []Clause{{Op: "eq", Value: "a,b"}}, af.Clauses)
	})

	t.Run("or branch of single-key objects", func(t *testing.T) {
		g, err := ParseQuery(map[string]any{
			"or": []any{
				map[string]any{"status": "active"},
				map[string]any{"age": map[string]any{"lt": "18"}},
			},
		})
		require.NoError(t, err)
		require.Len(t, g.Or, 2)
		// single-attribute items unwrap to attribute filters directly
		_, ok := g.Or[0].(*AttributeFilter)
		assert.True(t, ok)
	})

	t.Run("not branch", func(t *testing.T) {
		g, err := ParseQuery(map[string]any{
			"not": []any{map[string]any{"status": "archived"}},
		})
		require.NoError(t, err)
		require.Len(t, g.Not, 1)
	})

	t.Run("branch must be an array", func(t *testing.T) {
		_, err := ParseQuery(map[string]any{"or": "nope"})
		require.ErrorIs(t, err, ErrInvalidShape)
	})
}

func TestParseValues(t *testing.T) {
	params := ParseValues(url.Values{
		"status":    {"active"},
		"age[gte]":  {"18"},
		"age[lt]":   {"65"},
		"name[":     {"odd"},
		"tags[in]":  {"a,b"},
	})
	assert.Equal(t, "active", params["status"])
	assert.Equal(t, map[string]any{"gte": "18", "lt": "65"}, params["age"])
	assert.Equal(t, map[string]any{"in": "a,b"}, params["tags"])
	// malformed bracket keys pass through as plain attributes
	assert.Equal(t, "odd", params["name["])
}

func TestParseQuery_CompilesRoundTrip(t *testing.T) {
	params := ParseValues(url.Values{
		"status":   {"active"},
		"age[gte]": {"18"},
	})
	g, err := ParseQuery(params)
	require.NoError(t, err)
	expr, err := Compile(g, testAttrs, testOps{})
	require.NoError(t, err)
	// parameters are visited in sorted key order
	assert.Equal(t, "(age >= 18 AND status = active)", expr)
}

func TestCoerceString(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"null", nil},
		{"true", true},
		{"false", false},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.14", 3.14},
		{"active", "active"},
		{"12abc", "12abc"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, coerceString(tc.in), "input %q", tc.in)
	}
}
