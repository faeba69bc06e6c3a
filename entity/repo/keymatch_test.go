package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/acksell/entitystore/entity/schema"
)

func orderSchema() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: "order",
		Attributes: map[string]schema.Attribute{
			"id":       {Type: "string", Identifier: true},
			"tenant":   {Type: "string"},
			"status":   {Type: "string"},
			"created":  {Type: "string"},
			"customer": {Type: "string"},
		},
		Indexes: map[string]schema.Index{
			schema.PrimaryIndexName: {PartitionKey: []string{"id"}},
			"byTenant":              {Identifier: "gsi1", PartitionKey: []string{"tenant"}, SortKey: []string{"status", "created"}},
			"byCustomer":            {Identifier: "gsi2", PartitionKey: []string{"customer"}},
			"byType":                {Identifier: "gsi3", Template: "order"},
		},
	}
}

func TestSchemaKeyMatch(t *testing.T) {
	s := orderSchema()

	t.Run("primary partition match", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"id": "o-1"})
		assert.False(t, m.ShouldScan)
		assert.Equal(t, "", m.Index)
		assert.Equal(t, []string{"id"}, m.Keys)
	})

	t.Run("secondary partition match", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"tenant": "acme"})
		assert.Equal(t, "gsi1", m.Index)
		assert.Equal(t, []string{"tenant"}, m.Keys)
	})

	t.Run("sort prefix extends the match", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"tenant": "acme", "status": "open"})
		assert.Equal(t, "gsi1", m.Index)
		assert.Equal(t, []string{"tenant", "status"}, m.Keys)
	})

	t.Run("sort gap stops prefix extension", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"tenant": "acme", "created": "2026"})
		assert.Equal(t, "gsi1", m.Index)
		assert.Equal(t, []string{"tenant"}, m.Keys)
	})

	t.Run("most keys consumed wins", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{
			"customer": "c-1",
			"tenant":   "acme",
			"status":   "open",
		})
		assert.Equal(t, "gsi1", m.Index)
		assert.Equal(t, []string{"tenant", "status"}, m.Keys)
	})

	t.Run("primary wins score ties", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"id": "o-1", "customer": "c-1"})
		assert.Equal(t, "", m.Index)
	})

	t.Run("eq wrapper counts as strict equality", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"id": map[string]any{"eq": "o-1"}})
		assert.False(t, m.ShouldScan)
		assert.Equal(t, []string{"id"}, m.Keys)
	})

	t.Run("non-equality shapes do not match", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"id": map[string]any{"gte": "o-1"}})
		assert.True(t, m.ShouldScan)

		m = SchemaKeyMatch(s, map[string]any{"id": []any{"o-1", "o-2"}})
		assert.True(t, m.ShouldScan)
	})

	t.Run("undeclared attributes are ignored", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"nope": "x"})
		assert.True(t, m.ShouldScan)
	})

	t.Run("template indexes are never equality-addressable", func(t *testing.T) {
		m := SchemaKeyMatch(s, map[string]any{"status": "open"})
		assert.True(t, m.ShouldScan)
	})
}

func TestEqualityValue(t *testing.T) {
	assert.Equal(t, "v", EqualityValue("v"))
	assert.Equal(t, "v", EqualityValue(map[string]any{"eq": "v"}))
	// multi-key maps are not pure equality wrappers
	multi := map[string]any{"eq": "v", "ne": "w"}
	assert.Equal(t, multi, EqualityValue(multi))
}

func TestPageOptions(t *testing.T) {
	assert.Empty(t, Page{}.Options())

	opts := Page{Order: "desc", Cursor: "c", Limit: 10}.Options()
	assert.Equal(t, map[string]any{"order": "desc", "cursor": "c", "limit": 10}, opts)
}
