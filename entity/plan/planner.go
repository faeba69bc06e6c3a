// Package plan picks the best available secondary index for a filter set so
// list/query calls avoid full scans where possible.
package plan

import (
	"github.com/acksell/entitystore/entity/filter"
	"github.com/acksell/entitystore/entity/repo"
	"github.com/acksell/entitystore/entity/schema"
)

// Match is the planner's result: the chosen index's declared name and the
// subset of input filters consumed as equality key conditions. IndexFilters
// is empty when a template match was used.
type Match struct {
	IndexName    string
	IndexFilters map[string]any
}

// KeyMatcher is the repository's own best-key-match primitive.
type KeyMatcher interface {
	KeyMatch(eq map[string]any) repo.KeyMatch
}

// FindMatchingIndex chooses an index for the given equality-style filter map.
//
// The repository's key matcher gets first say; a usable key match is
// translated back to the schema's declared index name (the empty internal
// identifier maps to "primary") and returned with the equality values it
// consumed. Failing that, an index whose template equals the entity name
// (case-insensitively) is returned with no index filters. A nil result means
// the caller must fall back to a full match/scan over the primary index.
//
// An equality-key match always beats a template match; among key matches the
// repository's own priority stands, this planner does not re-rank.
func FindMatchingIndex(s *schema.EntitySchema, filters map[string]any, entityName string, km KeyMatcher) *Match {
	if len(filters) > 0 {
		if m := keyMatch(s, filters, km); m != nil {
			return m
		}
	}
	if name, ok := s.TemplateIndex(entityName); ok {
		return &Match{IndexName: name, IndexFilters: map[string]any{}}
	}
	return nil
}

func keyMatch(s *schema.EntitySchema, filters map[string]any, km KeyMatcher) *Match {
	res := km.KeyMatch(filters)
	if res.ShouldScan {
		return nil
	}
	name, ok := declaredName(s, res.Index)
	if !ok {
		return nil
	}
	consumed := make(map[string]any, len(res.Keys))
	for _, key := range res.Keys {
		if v, present := filters[key]; present {
			consumed[key] = unwrapEquality(v)
		}
	}
	return &Match{IndexName: name, IndexFilters: consumed}
}

// declaredName translates the repository's internal index identifier to the
// schema's declared index name. Identifier-less secondary indexes are known
// to the repository by their declared name.
func declaredName(s *schema.EntitySchema, identifier string) (string, bool) {
	if identifier == "" {
		_, ok := s.Indexes[schema.PrimaryIndexName]
		return schema.PrimaryIndexName, ok
	}
	for name, idx := range s.Indexes {
		if idx.Identifier == identifier || (idx.Identifier == "" && name == identifier) {
			return name, true
		}
	}
	return "", false
}

// unwrapEquality peels {eq: value} wrapper shapes down to the bare value.
func unwrapEquality(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if eq, ok := t["eq"]; ok && len(t) == 1 {
			return eq
		}
	case *filter.AttributeFilter:
		if len(t.Clauses) == 1 && t.Clauses[0].Op == "eq" {
			return t.Clauses[0].Value
		}
	}
	return v
}
