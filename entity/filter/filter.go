// Package filter models serializable, operator-based filter descriptions and
// compiles them into boolean expressions against a repository's attribute and
// operator surface.
//
// A filter description is exactly one of three shapes:
//
//   - AttributeFilter: one attribute with one or more operator clauses,
//     combined by the filter's own logical operator.
//   - EntityFilter: a flat attribute -> criteria map, sugar for a set of
//     attribute filters combined by one logical operator (default AND).
//   - FilterGroup: explicit and/or/not composition of nested descriptions.
//
// Ambiguous values are rejected by Decode, never guessed.
package filter

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidShape is returned when a value cannot be classified as
	// exactly one of the three filter shapes.
	ErrInvalidShape = errors.New("invalid filter shape")
	// ErrUnknownAttribute is returned when a filter references an attribute
	// that does not exist in the supplied attribute-reference map.
	ErrUnknownAttribute = errors.New("unknown filter attribute")
)

// LogicalOp joins sibling clauses or filters.
type LogicalOp string

const (
	OpAnd LogicalOp = "and"
	OpOr  LogicalOp = "or"
)

func (op LogicalOp) orDefault() LogicalOp {
	if op == "" {
		return OpAnd
	}
	return op
}

func (op LogicalOp) keyword() string {
	if op == OpOr {
		return "OR"
	}
	return "AND"
}

// Filter is the tagged union over the three filter shapes.
type Filter interface {
	isFilter()
}

// Clause is one operator application within an attribute filter.
// Op may be any of the accepted operator aliases (see compile.go).
type Clause struct {
	Op    string
	Value any
}

// AttributeFilter filters on a single attribute with one or more operator
// clauses, combined by LogicalOp (default AND). Clauses keep their order.
type AttributeFilter struct {
	Attribute string
	LogicalOp LogicalOp
	Clauses   []Clause
}

func (*AttributeFilter) isFilter() {}

// EntityFilter is a flat set of attribute filters combined by one logical
// operator (default AND).
type EntityFilter struct {
	LogicalOp LogicalOp
	Filters   []AttributeFilter
}

func (*EntityFilter) isFilter() {}

// FilterGroup composes nested filter descriptions: all And children are
// AND-joined, all Or children OR-joined, all Not children AND-joined and
// negated. Empty branches are permitted.
type FilterGroup struct {
	And []Filter
	Or  []Filter
	Not []Filter
}

func (*FilterGroup) isFilter() {}

// Reference marks a filter value as a same-record attribute reference rather
// than a literal, allowing comparisons such as "startDate < endDate".
type Reference struct {
	Attribute string
}

// groupKeys are the keys that denote a FilterGroup branch.
var groupKeys = map[string]bool{"and": true, "or": true, "not": true}

// Decode classifies an untyped (JSON-decoded) value into the filter union.
// Map keys are visited in sorted order so decoding is deterministic.
func Decode(v any) (Filter, error) {
	switch t := v.(type) {
	case Filter:
		return t, nil
	case map[string]any:
		return decodeMap(t)
	default:
		return nil, fmt.Errorf("%w: cannot classify %T", ErrInvalidShape, v)
	}
}

func decodeMap(m map[string]any) (Filter, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: empty filter description", ErrInvalidShape)
	}
	_, hasAttr := m["attribute"]
	hasGroup := false
	for k := range m {
		if groupKeys[k] {
			hasGroup = true
		}
	}
	switch {
	case hasAttr && hasGroup:
		return nil, fmt.Errorf("%w: value mixes attribute-filter and filter-group keys", ErrInvalidShape)
	case hasAttr:
		return decodeAttributeFilter(m)
	case hasGroup:
		return decodeGroup(m)
	default:
		return decodeEntityFilter(m)
	}
}

func decodeAttributeFilter(m map[string]any) (*AttributeFilter, error) {
	name, ok := m["attribute"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: attribute filter needs a string attribute name", ErrInvalidShape)
	}
	af := &AttributeFilter{Attribute: name, LogicalOp: decodeLogicalOp(m)}
	for _, k := range sortedKeys(m) {
		if k == "attribute" || k == "logicalOp" {
			continue
		}
		af.Clauses = append(af.Clauses, Clause{Op: k, Value: m[k]})
	}
	return af, nil
}

func decodeEntityFilter(m map[string]any) (*EntityFilter, error) {
	ef := &EntityFilter{LogicalOp: decodeLogicalOp(m)}
	for _, attr := range sortedKeys(m) {
		if attr == "logicalOp" {
			continue
		}
		af := AttributeFilter{Attribute: attr}
		switch crit := m[attr].(type) {
		case map[string]any:
			af.LogicalOp = decodeLogicalOp(crit)
			for _, op := range sortedKeys(crit) {
				if op == "logicalOp" {
					continue
				}
				af.Clauses = append(af.Clauses, Clause{Op: op, Value: crit[op]})
			}
		default:
			// bare value means equality
			af.Clauses = append(af.Clauses, Clause{Op: "eq", Value: crit})
		}
		ef.Filters = append(ef.Filters, af)
	}
	if len(ef.Filters) == 0 {
		return nil, fmt.Errorf("%w: entity filter has no attributes", ErrInvalidShape)
	}
	return ef, nil
}

func decodeGroup(m map[string]any) (*FilterGroup, error) {
	g := &FilterGroup{}
	for k, v := range m {
		if !groupKeys[k] {
			return nil, fmt.Errorf("%w: unexpected key %q in filter group", ErrInvalidShape, k)
		}
		branch, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: group branch %q must be an array", ErrInvalidShape, k)
		}
		for _, child := range branch {
			f, err := Decode(child)
			if err != nil {
				return nil, err
			}
			switch k {
			case "and":
				g.And = append(g.And, f)
			case "or":
				g.Or = append(g.Or, f)
			case "not":
				g.Not = append(g.Not, f)
			}
		}
	}
	return g, nil
}

func decodeLogicalOp(m map[string]any) LogicalOp {
	if raw, ok := m["logicalOp"].(string); ok && LogicalOp(raw) == OpOr {
		return OpOr
	}
	return OpAnd
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
