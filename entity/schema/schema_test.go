package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userSchema() *EntitySchema {
	return &EntitySchema{
		Name: "user",
		Attributes: map[string]Attribute{
			"id":    {Type: "string", Identifier: true},
			"email": {Type: "string", EnsureUnique: true},
			"name":  {Type: "string", Required: true},
		},
		Indexes: map[string]Index{
			PrimaryIndexName: {PartitionKey: []string{"id"}},
			"byEmail":        {Identifier: "gsi1", PartitionKey: []string{"email"}},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, userSchema().Validate())
	})

	t.Run("missing name", func(t *testing.T) {
		s := userSchema()
		s.Name = ""
		require.Error(t, s.Validate())
	})

	t.Run("missing primary index", func(t *testing.T) {
		s := userSchema()
		delete(s.Indexes, PrimaryIndexName)
		require.Error(t, s.Validate())
	})

	t.Run("index references unknown attribute", func(t *testing.T) {
		s := userSchema()
		s.Indexes["bad"] = Index{PartitionKey: []string{"nope"}}
		require.Error(t, s.Validate())
	})

	t.Run("sort key references unknown attribute", func(t *testing.T) {
		s := userSchema()
		s.Indexes["bad"] = Index{PartitionKey: []string{"id"}, SortKey: []string{"nope"}}
		require.Error(t, s.Validate())
	})
}

func TestIdentifierNames(t *testing.T) {
	t.Run("flagged identifiers", func(t *testing.T) {
		assert.Equal(t, []string{"id"}, userSchema().IdentifierNames())
	})

	t.Run("falls back to primary partition composite", func(t *testing.T) {
		s := userSchema()
		s.Attributes["id"] = Attribute{Type: "string"}
		assert.Equal(t, []string{"id"}, s.IdentifierNames())
	})
}

func TestTemplateIndex(t *testing.T) {
	s := userSchema()
	s.Indexes["byType"] = Index{Identifier: "gsi2", Template: "User", TemplateAttribute: "_t"}

	name, ok := s.TemplateIndex("user")
	require.True(t, ok)
	assert.Equal(t, "byType", name)

	_, ok = s.TemplateIndex("order")
	assert.False(t, ok)

	t.Run("lexical tie-break", func(t *testing.T) {
		s.Indexes["aType"] = Index{Identifier: "gsi3", Template: "user"}
		name, ok := s.TemplateIndex("user")
		require.True(t, ok)
		assert.Equal(t, "aType", name)
	})
}

func TestUnique(t *testing.T) {
	assert.True(t, Attribute{IsUnique: true}.Unique())
	assert.True(t, Attribute{EnsureUnique: true}.Unique())
	assert.False(t, Attribute{MakeUnique: true}.Unique())
}

func TestParse(t *testing.T) {
	doc := []byte(`
name: user
attributes:
  id:
    type: string
    identifier: true
  email:
    type: string
    ensureUnique: true
    makeUnique: true
indexes:
  primary:
    partitionKey: [id]
  byEmail:
    identifier: gsi1
    partitionKey: [email]
`)
	s, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "user", s.Name)
	assert.True(t, s.Attributes["email"].EnsureUnique)
	assert.True(t, s.Attributes["email"].MakeUnique)
	assert.Equal(t, "gsi1", s.Indexes["byEmail"].Identifier)

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Parse([]byte("{:"))
		require.Error(t, err)
	})

	t.Run("valid yaml, invalid schema", func(t *testing.T) {
		_, err := Parse([]byte("name: user\nindexes: {}"))
		require.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: user\nindexes:\n  primary:\n    partitionKey: []\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "user", s.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
