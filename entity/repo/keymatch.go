package repo

import (
	"sort"

	"github.com/acksell/entitystore/entity/schema"
)

// SchemaKeyMatch is the schema-driven best-key-match primitive shared by the
// store implementations: given a flat equality-style filter map, it finds the
// index whose partition composite is fully covered by strict equalities,
// extending the match with the covered sort-key prefix. Among covered
// indexes the one consuming the most filter attributes wins; the primary
// index breaks ties. Template indexes (empty partition composite) are never
// equality-addressable and are skipped.
func SchemaKeyMatch(s *schema.EntitySchema, eq map[string]any) KeyMatch {
	usable := equalityAttrs(s, eq)

	best := KeyMatch{ShouldScan: true}
	bestScore := -1
	for _, name := range indexOrder(s) {
		idx := s.Indexes[name]
		if len(idx.PartitionKey) == 0 {
			continue
		}
		covered := true
		for _, attr := range idx.PartitionKey {
			if !usable[attr] {
				covered = false
				break
			}
		}
		if !covered {
			continue
		}
		keys := append([]string{}, idx.PartitionKey...)
		for _, attr := range idx.SortKey {
			if !usable[attr] {
				break
			}
			keys = append(keys, attr)
		}
		if len(keys) > bestScore {
			best = KeyMatch{Keys: keys, Index: internalIdentifier(name, idx)}
			bestScore = len(keys)
		}
	}
	return best
}

// indexOrder returns the primary index first, the rest by name, so
// equal-score ties resolve deterministically in the primary's favor.
func indexOrder(s *schema.EntitySchema) []string {
	names := make([]string, 0, len(s.Indexes))
	for name := range s.Indexes {
		if name != schema.PrimaryIndexName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := s.Indexes[schema.PrimaryIndexName]; ok {
		names = append([]string{schema.PrimaryIndexName}, names...)
	}
	return names
}

func internalIdentifier(name string, idx schema.Index) string {
	if name == schema.PrimaryIndexName {
		return ""
	}
	if idx.Identifier != "" {
		return idx.Identifier
	}
	return name
}

// equalityAttrs reports which schema attributes appear in the filter map as
// strict equalities: a bare scalar or a single {eq: value} wrapper.
func equalityAttrs(s *schema.EntitySchema, eq map[string]any) map[string]bool {
	usable := make(map[string]bool, len(eq))
	for attr, v := range eq {
		if _, declared := s.Attributes[attr]; !declared {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			if _, ok := t["eq"]; ok && len(t) == 1 {
				usable[attr] = true
			}
		case []any:
			// arrays are never strict equalities
		default:
			usable[attr] = true
		}
	}
	return usable
}

// EqualityValue unwraps a filter-map value usable as a key condition down to
// its bare equality value.
func EqualityValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		if eq, present := m["eq"]; present && len(m) == 1 {
			return eq
		}
	}
	return v
}
