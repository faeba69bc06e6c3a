package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePaths(t *testing.T) {
	t.Run("flat and nested paths", func(t *testing.T) {
		tree := ParsePaths("meta.created,name")
		assert.Equal(t, map[string]any{
			"meta": map[string]any{
				"attributes": map[string]any{"created": map[string]any{}},
			},
			"name": map[string]any{},
		}, tree)
	})

	t.Run("shared prefixes merge", func(t *testing.T) {
		tree := ParsePaths("meta.created;meta.updated")
		meta := tree["meta"].(map[string]any)
		attrs := meta["attributes"].(map[string]any)
		assert.Len(t, attrs, 2)
	})

	t.Run("deep nesting", func(t *testing.T) {
		tree := ParsePaths("a.b.c")
		a := tree["a"].(map[string]any)
		b := a["attributes"].(map[string]any)["b"].(map[string]any)
		c := b["attributes"].(map[string]any)["c"].(map[string]any)
		assert.Empty(t, c)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, ParsePaths(""))
	})
}
