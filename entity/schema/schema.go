// Package schema defines the static description of an entity type: its
// attributes and the secondary indexes declared over them. Schemas are
// immutable values constructed by callers (or loaded from YAML) and handed
// to the data-access layer; nothing here talks to storage.
package schema

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrimaryIndexName is the reserved name of the index backed by the table's
// own primary key. Every schema must declare exactly one index with this name.
const PrimaryIndexName = "primary"

// EntitySchema describes one entity type.
type EntitySchema struct {
	Name       string               `yaml:"name" json:"name"`
	Attributes map[string]Attribute `yaml:"attributes" json:"attributes"`
	Indexes    map[string]Index     `yaml:"indexes" json:"indexes"`
}

// Attribute describes a single named attribute of an entity.
type Attribute struct {
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	// Identifier marks the attribute as part of the entity's canonical
	// identifier map.
	Identifier bool `yaml:"identifier,omitempty" json:"identifier,omitempty"`

	// IsUnique is the legacy uniqueness flag: unique, and collisions are
	// auto-resolved by suffixing.
	IsUnique bool `yaml:"isUnique,omitempty" json:"isUnique,omitempty"`
	// EnsureUnique enforces uniqueness; collisions are an error unless
	// MakeUnique is also set.
	EnsureUnique bool `yaml:"ensureUnique,omitempty" json:"ensureUnique,omitempty"`
	// MakeUnique allows auto-resolution of collisions for EnsureUnique
	// attributes.
	MakeUnique bool `yaml:"makeUnique,omitempty" json:"makeUnique,omitempty"`

	Hidden     bool `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Searchable bool `yaml:"searchable,omitempty" json:"searchable,omitempty"`
}

// Unique reports whether the attribute carries any uniqueness flag.
func (a Attribute) Unique() bool {
	return a.IsUnique || a.EnsureUnique
}

// Index declares a secondary index over the entity's attributes.
//
// PartitionKey and SortKey are ordered attribute-name composites. A Template
// is a fixed discriminator value used when one physical index groups all
// entities of a type regardless of filters.
type Index struct {
	// Identifier is the physical index identifier as known by the
	// repository (e.g. a GSI name). Empty for the primary index.
	Identifier   string   `yaml:"identifier,omitempty" json:"identifier,omitempty"`
	PartitionKey []string `yaml:"partitionKey" json:"partitionKey"`
	SortKey      []string `yaml:"sortKey,omitempty" json:"sortKey,omitempty"`
	Template     string   `yaml:"template,omitempty" json:"template,omitempty"`
	// TemplateAttribute is the physical key attribute holding the template
	// constant, for engines that need an attribute name to build a key
	// condition against.
	TemplateAttribute string `yaml:"templateAttribute,omitempty" json:"templateAttribute,omitempty"`
}

// Validate checks the schema's structural invariants: a non-empty name,
// exactly one primary index, and every attribute referenced by an index
// composite present in the attribute map.
func (s *EntitySchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema has no name")
	}
	if _, ok := s.Indexes[PrimaryIndexName]; !ok {
		return fmt.Errorf("schema %q declares no %q index", s.Name, PrimaryIndexName)
	}
	for name, idx := range s.Indexes {
		for _, attr := range idx.PartitionKey {
			if _, ok := s.Attributes[attr]; !ok {
				return fmt.Errorf("index %q partition key references unknown attribute %q", name, attr)
			}
		}
		for _, attr := range idx.SortKey {
			if _, ok := s.Attributes[attr]; !ok {
				return fmt.Errorf("index %q sort key references unknown attribute %q", name, attr)
			}
		}
	}
	return nil
}

// IdentifierNames returns the names of attributes flagged as identifiers,
// falling back to the primary index's partition composite when none are
// flagged.
func (s *EntitySchema) IdentifierNames() []string {
	var names []string
	for name, attr := range s.Attributes {
		if attr.Identifier {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		return names
	}
	return s.Indexes[PrimaryIndexName].PartitionKey
}

// TemplateIndex returns the first declared index whose template equals
// entityName, compared case-insensitively. Iteration order over map entries
// is not stable, so ties between multiple template indexes are broken by
// lexical index name.
func (s *EntitySchema) TemplateIndex(entityName string) (string, bool) {
	best := ""
	for name, idx := range s.Indexes {
		if idx.Template == "" || !strings.EqualFold(idx.Template, entityName) {
			continue
		}
		if best == "" || name < best {
			best = name
		}
	}
	return best, best != ""
}

// Parse decodes a schema from YAML and validates it.
func Parse(data []byte) (*EntitySchema, error) {
	var s EntitySchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &s, nil
}

// Load reads and parses a schema file.
func Load(path string) (*EntitySchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(data)
}
