package filter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// valueDelimiters split raw string values into arrays for array-valued
// operators. The dot is part of the set by convention, shared with the
// attribute-path parser.
const valueDelimiters = "&,+;:."

// ParseQuery turns a flat key/value parameter map into a FilterGroup.
//
// Keys "and"/"or"/"not" denote a branch whose value is an array of single-key
// objects, each re-entered recursively. Any other key is an attribute: a
// non-map value means equality, a map value carries operator sub-keys. String
// values for array-valued operators are split on the delimiter set, and every
// scalar is coerced through type inference (numbers, booleans, null).
func ParseQuery(params map[string]any) (*FilterGroup, error) {
	g := &FilterGroup{}
	for _, key := range sortedKeys(params) {
		raw := params[key]
		if groupKeys[key] {
			children, err := parseBranch(key, raw)
			if err != nil {
				return nil, err
			}
			switch key {
			case "and":
				g.And = append(g.And, children...)
			case "or":
				g.Or = append(g.Or, children...)
			case "not":
				g.Not = append(g.Not, children...)
			}
			continue
		}
		af, err := parseAttributeParam(key, raw)
		if err != nil {
			return nil, err
		}
		g.And = append(g.And, af)
	}
	return g, nil
}

func parseBranch(key string, raw any) ([]Filter, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q branch must be an array", ErrInvalidShape, key)
	}
	var children []Filter
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q branch items must be objects", ErrInvalidShape, key)
		}
		sub, err := ParseQuery(m)
		if err != nil {
			return nil, err
		}
		// a single ANDed attribute filter needs no wrapping group
		if len(sub.And) == 1 && len(sub.Or) == 0 && len(sub.Not) == 0 {
			children = append(children, sub.And[0])
			continue
		}
		children = append(children, sub)
	}
	return children, nil
}

func parseAttributeParam(attr string, raw any) (*AttributeFilter, error) {
	af := &AttributeFilter{Attribute: attr}
	criteria, ok := raw.(map[string]any)
	if !ok {
		af.Clauses = append(af.Clauses, Clause{Op: "eq", Value: coerceValue(raw)})
		return af, nil
	}
	af.LogicalOp = decodeLogicalOp(criteria)
	for _, op := range sortedKeys(criteria) {
		if op == "logicalOp" {
			continue
		}
		v := criteria[op]
		if s, isStr := v.(string); isStr && ArrayOperator(op) {
			v = splitValues(s)
		}
		af.Clauses = append(af.Clauses, Clause{Op: op, Value: coerceValue(v)})
	}
	return af, nil
}

// ParseValues flattens url.Values into the parameter-map shape ParseQuery
// consumes, turning bracketed keys like "age[gte]" into nested operator maps.
// Repeated keys keep their first value.
func ParseValues(values url.Values) map[string]any {
	params := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		open := strings.IndexByte(key, '[')
		if open <= 0 || !strings.HasSuffix(key, "]") {
			params[key] = v
			continue
		}
		attr, op := key[:open], key[open+1:len(key)-1]
		sub, _ := params[attr].(map[string]any)
		if sub == nil {
			sub = make(map[string]any)
		}
		sub[op] = v
		params[attr] = sub
	}
	return params
}

func splitValues(s string) []any {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(valueDelimiters, r)
	})
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out
}

// coerceValue applies string -> typed-value inference recursively: integers,
// floats, booleans and null are recognized, everything else stays a string.
func coerceValue(v any) any {
	switch t := v.(type) {
	case string:
		return coerceString(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = coerceValue(e)
		}
		return out
	default:
		return v
	}
}

func coerceString(s string) any {
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
