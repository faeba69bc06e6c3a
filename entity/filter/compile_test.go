package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOps renders primitives as plain readable fragments so tests can assert
// on whole expressions.
type testOps struct{}

func (testOps) render(v any) string {
	if ref, ok := v.(AttributeRef); ok {
		return ref.Rendered()
	}
	return fmt.Sprintf("%v", v)
}

func (o testOps) Eq(ref AttributeRef, v any) string  { return ref.Rendered() + " = " + o.render(v) }
func (o testOps) Ne(ref AttributeRef, v any) string  { return ref.Rendered() + " <> " + o.render(v) }
func (o testOps) Gt(ref AttributeRef, v any) string  { return ref.Rendered() + " > " + o.render(v) }
func (o testOps) Gte(ref AttributeRef, v any) string { return ref.Rendered() + " >= " + o.render(v) }
func (o testOps) Lt(ref AttributeRef, v any) string  { return ref.Rendered() + " < " + o.render(v) }
func (o testOps) Lte(ref AttributeRef, v any) string { return ref.Rendered() + " <= " + o.render(v) }
func (o testOps) Between(ref AttributeRef, lo, hi any) string {
	return ref.Rendered() + " BETWEEN " + o.render(lo) + " AND " + o.render(hi)
}
func (o testOps) Begins(ref AttributeRef, v any) string {
	return "begins_with(" + ref.Rendered() + ", " + o.render(v) + ")"
}
func (o testOps) Contains(ref AttributeRef, v any) string {
	return "contains(" + ref.Rendered() + ", " + o.render(v) + ")"
}
func (o testOps) NotContains(ref AttributeRef, v any) string {
	return "NOT contains(" + ref.Rendered() + ", " + o.render(v) + ")"
}
func (o testOps) Exists(ref AttributeRef) string    { return "attribute_exists(" + ref.Rendered() + ")" }
func (o testOps) NotExists(ref AttributeRef) string { return "attribute_not_exists(" + ref.Rendered() + ")" }

var testAttrs = map[string]AttributeRef{
	"status":    {Name: "status"},
	"age":       {Name: "age"},
	"name":      {Name: "name"},
	"tags":      {Name: "tags"},
	"startDate": {Name: "startDate"},
	"endDate":   {Name: "endDate"},
}

func compileString(t *testing.T, f Filter) string {
	t.Helper()
	expr, err := Compile(f, testAttrs, testOps{})
	require.NoError(t, err)
	return expr
}

func TestCompile_AttributeFilter(t *testing.T) {
	t.Run("single clause is unparenthesized", func(t *testing.T) {
		f := &AttributeFilter{Attribute: "status", Clauses: []Clause{{Op: "eq", Value: "active"}}}
		assert.Equal(t, "status = active", compileString(t, f))
	})

	t.Run("operator aliases resolve to same primitive", func(t *testing.T) {
		for _, alias := range []string{"eq", "equal", "equalTo", "==", "==="} {
			f := &AttributeFilter{Attribute: "status", Clauses: []Clause{{Op: alias, Value: "active"}}}
			assert.Equal(t, "status = active", compileString(t, f), "alias %q", alias)
		}
	})

	t.Run("multiple clauses wrap in one parenthesis pair", func(t *testing.T) {
		f := &AttributeFilter{Attribute: "age", Clauses: []Clause{
			{Op: "gte", Value: 18},
			{Op: "lt", Value: 65},
		}}
		assert.Equal(t, "(age >= 18 AND age < 65)", compileString(t, f))
	})

	t.Run("logicalOp or joins clauses", func(t *testing.T) {
		f := &AttributeFilter{Attribute: "status", LogicalOp: OpOr, Clauses: []Clause{
			{Op: "eq", Value: "active"},
			{Op: "eq", Value: "pending"},
		}}
		assert.Equal(t, "(status = active OR status = pending)", compileString(t, f))
	})

	t.Run("unrecognized operator keys are skipped", func(t *testing.T) {
		f := &AttributeFilter{Attribute: "status", Clauses: []Clause{
			{Op: "eq", Value: "active"},
			{Op: "someAuxKey", Value: "ignored"},
		}}
		assert.Equal(t, "status = active", compileString(t, f))
	})

	t.Run("unknown attribute", func(t *testing.T) {
		f := &AttributeFilter{Attribute: "nope", Clauses: []Clause{{Op: "eq", Value: 1}}}
		_, err := Compile(f, testAttrs, testOps{})
		require.ErrorIs(t, err, ErrUnknownAttribute)
	})
}

func TestCompile_Operators(t *testing.T) {
	cases := []struct {
		name   string
		clause Clause
		want   string
	}{
		{"between", Clause{Op: "between", Value: []any{18, 65}}, "age BETWEEN 18 AND 65"},
		{"begins", Clause{Op: "begins", Value: "a"}, "begins_with(age, a)"},
		{"like is begins", Clause{Op: "like", Value: "a"}, "begins_with(age, a)"},
		{"in scalar", Clause{Op: "in", Value: 1}, "age = 1"},
		{"in one-element array matches scalar", Clause{Op: "in", Value: []any{1}}, "age = 1"},
		{"in many", Clause{Op: "in", Value: []any{1, 2}}, "(age = 1 OR age = 2)"},
		{"nin many", Clause{Op: "nin", Value: []any{1, 2}}, "(age <> 1 AND age <> 2)"},
		{"contains many is AND", Clause{Op: "contains", Value: []any{"a", "b"}}, "(contains(age, a) AND contains(age, b))"},
		{"containsSome is OR", Clause{Op: "containsSome", Value: []any{"a", "b"}}, "(contains(age, a) OR contains(age, b))"},
		{"notContains", Clause{Op: "notContains", Value: []any{"a", "b"}}, "(NOT contains(age, a) AND NOT contains(age, b))"},
		{"exists", Clause{Op: "exists", Value: true}, "attribute_exists(age)"},
		{"exists false", Clause{Op: "exists", Value: false}, "attribute_not_exists(age)"},
		{"isNull", Clause{Op: "isNull", Value: true}, "attribute_not_exists(age)"},
		{"isEmpty", Clause{Op: "isEmpty", Value: true}, "age = "},
		{"isEmpty false", Clause{Op: "isEmpty", Value: false}, "age <> "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &AttributeFilter{Attribute: "age", Clauses: []Clause{tc.clause}}
			assert.Equal(t, tc.want, compileString(t, f))
		})
	}

	t.Run("between requires exactly two values", func(t *testing.T) {
		f := &AttributeFilter{Attribute: "age", Clauses: []Clause{{Op: "between", Value: []any{18}}}}
		_, err := Compile(f, testAttrs, testOps{})
		require.ErrorIs(t, err, ErrInvalidShape)
	})
}

func TestCompile_Reference(t *testing.T) {
	f := &AttributeFilter{Attribute: "endDate", Clauses: []Clause{
		{Op: "gt", Value: Reference{Attribute: "startDate"}},
	}}
	assert.Equal(t, "endDate > startDate", compileString(t, f))

	t.Run("unknown referenced attribute", func(t *testing.T) {
		f := &AttributeFilter{Attribute: "endDate", Clauses: []Clause{
			{Op: "gt", Value: Reference{Attribute: "nope"}},
		}}
		_, err := Compile(f, testAttrs, testOps{})
		require.ErrorIs(t, err, ErrUnknownAttribute)
	})
}

func TestCompile_EntityFilter(t *testing.T) {
	f := &EntityFilter{Filters: []AttributeFilter{
		{Attribute: "status", Clauses: []Clause{{Op: "eq", Value: "active"}}},
		{Attribute: "age", Clauses: []Clause{{Op: "gte", Value: 18}}},
	}}
	assert.Equal(t, "(status = active AND age >= 18)", compileString(t, f))

	t.Run("or", func(t *testing.T) {
		f := &EntityFilter{LogicalOp: OpOr, Filters: []AttributeFilter{
			{Attribute: "status", Clauses: []Clause{{Op: "eq", Value: "a"}}},
			{Attribute: "status", Clauses: []Clause{{Op: "eq", Value: "b"}}},
		}}
		assert.Equal(t, "(status = a OR status = b)", compileString(t, f))
	})
}

func TestCompile_FilterGroup(t *testing.T) {
	af := func(attr, op string, v any) Filter {
		return &AttributeFilter{Attribute: attr, Clauses: []Clause{{Op: op, Value: v}}}
	}

	t.Run("single and child stays unparenthesized", func(t *testing.T) {
		g := &FilterGroup{And: []Filter{af("status", "eq", "active")}}
		assert.Equal(t, "status = active", compileString(t, g))
	})

	t.Run("branches join with AND, not branch negated", func(t *testing.T) {
		g := &FilterGroup{
			And: []Filter{af("status", "eq", "active")},
			Or:  []Filter{af("age", "lt", 18), af("age", "gt", 65)},
			Not: []Filter{af("name", "eq", "root")},
		}
		assert.Equal(t,
			"(status = active AND (age < 18 OR age > 65) AND NOT name = root)",
			compileString(t, g))
	})

	t.Run("nested groups add one parenthesis pair per level", func(t *testing.T) {
		g := &FilterGroup{And: []Filter{
			af("status", "eq", "active"),
			&FilterGroup{Or: []Filter{af("age", "lt", 18), af("age", "gt", 65)}},
		}}
		assert.Equal(t, "(status = active AND (age < 18 OR age > 65))", compileString(t, g))
	})

	t.Run("empty group compiles to empty expression", func(t *testing.T) {
		assert.Equal(t, "", compileString(t, &FilterGroup{}))
	})
}

func TestDecode(t *testing.T) {
	t.Run("attribute filter", func(t *testing.T) {
		f, err := Decode(map[string]any{"attribute": "status", "eq": "active"})
		require.NoError(t, err)
		af, ok := f.(*AttributeFilter)
		require.True(t, ok)
		assert.Equal(t, "status", af.Attribute)
		assert.Equal(t, []Clause{{Op: "eq", Value: "active"}}, af.Clauses)
	})

	t.Run("entity filter", func(t *testing.T) {
		f, err := Decode(map[string]any{
			"status": "active",
			"age":    map[string]any{"gte": 18},
		})
		require.NoError(t, err)
		ef, ok := f.(*EntityFilter)
		require.True(t, ok)
		require.Len(t, ef.Filters, 2)
	})

	t.Run("filter group", func(t *testing.T) {
		f, err := Decode(map[string]any{
			"or": []any{
				map[string]any{"attribute": "status", "eq": "a"},
				map[string]any{"attribute": "status", "eq": "b"},
			},
		})
		require.NoError(t, err)
		g, ok := f.(*FilterGroup)
		require.True(t, ok)
		assert.Len(t, g.Or, 2)
	})

	t.Run("ambiguous shape is an error, never a guess", func(t *testing.T) {
		_, err := Decode(map[string]any{
			"attribute": "status",
			"and":       []any{},
		})
		require.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("empty map", func(t *testing.T) {
		_, err := Decode(map[string]any{})
		require.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("unclassifiable type", func(t *testing.T) {
		_, err := Decode(42)
		require.ErrorIs(t, err, ErrInvalidShape)
	})
}
