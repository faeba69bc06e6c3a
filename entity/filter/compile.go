package filter

import (
	"fmt"
	"reflect"
	"strings"
)

// AttributeRef resolves a logical attribute name to the repository's rendered
// form. Path, when set, is the rendered name (e.g. a placeholder or document
// path); otherwise Name is used as-is.
type AttributeRef struct {
	Name string
	Path string
}

// Rendered returns the form of the attribute that appears in expressions.
func (r AttributeRef) Rendered() string {
	if r.Path != "" {
		return r.Path
	}
	return r.Name
}

// Operations is the repository's operator surface: each method renders one
// primitive comparison as an expression fragment. Values may be literals or
// AttributeRef, in which case the implementation must render a same-record
// attribute reference instead of a literal.
type Operations interface {
	Eq(ref AttributeRef, v any) string
	Ne(ref AttributeRef, v any) string
	Gt(ref AttributeRef, v any) string
	Gte(ref AttributeRef, v any) string
	Lt(ref AttributeRef, v any) string
	Lte(ref AttributeRef, v any) string
	Between(ref AttributeRef, lo, hi any) string
	Begins(ref AttributeRef, v any) string
	Contains(ref AttributeRef, v any) string
	NotContains(ref AttributeRef, v any) string
	Exists(ref AttributeRef) string
	NotExists(ref AttributeRef) string
}

// operator aliases, canonicalized before dispatch. Unlisted operator keys are
// skipped silently: callers are allowed to carry auxiliary keys alongside the
// recognized operators, so an unknown key is not an error.
var operatorAliases = map[string]string{
	"eq": "eq", "equal": "eq", "equalto": "eq", "==": "eq", "===": "eq",
	"ne": "ne", "neq": "ne", "notequal": "ne", "notequalto": "ne", "!=": "ne", "!==": "ne", "<>": "ne",
	"gt": "gt", "greaterthan": "gt", ">": "gt",
	"gte": "gte", "greaterthanorequalto": "gte", ">=": "gte",
	"lt": "lt", "lessthan": "lt", "<": "lt",
	"lte": "lte", "lessthanorequalto": "lte", "<=": "lte",
	"between": "between",
	"begins":  "begins", "beginswith": "begins", "like": "begins", "startswith": "begins",
	"in": "in", "anyof": "in",
	"nin": "nin", "notin": "nin", "noneof": "nin",
	"contains": "contains", "includes": "contains",
	"containssome": "containsSome", "containsany": "containsSome", "includessome": "containsSome",
	"notcontains": "notContains", "excludes": "notContains",
	"exists": "exists",
	"isnull": "isNull", "null": "isNull",
	"isempty": "isEmpty", "empty": "isEmpty",
}

func canonicalOp(op string) (string, bool) {
	c, ok := operatorAliases[strings.ToLower(op)]
	return c, ok
}

// ArrayOperator reports whether the canonical form of op takes an array
// value. Used by the query-string parser to decide when to split raw strings.
func ArrayOperator(op string) bool {
	switch c, _ := canonicalOp(op); c {
	case "in", "nin", "contains", "containsSome", "notContains", "between":
		return true
	}
	return false
}

// Compile turns a filter description into one boolean expression over the
// supplied operator surface. A nil filter compiles to the empty string.
func Compile(f Filter, attrs map[string]AttributeRef, ops Operations) (string, error) {
	if f == nil {
		return "", nil
	}
	switch t := f.(type) {
	case *AttributeFilter:
		return compileAttribute(t, attrs, ops)
	case *EntityFilter:
		return compileEntity(t, attrs, ops)
	case *FilterGroup:
		return compileGroup(t, attrs, ops)
	default:
		return "", fmt.Errorf("%w: unsupported filter type %T", ErrInvalidShape, f)
	}
}

func compileAttribute(af *AttributeFilter, attrs map[string]AttributeRef, ops Operations) (string, error) {
	ref, ok := attrs[af.Attribute]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAttribute, af.Attribute)
	}
	var exprs []string
	for _, clause := range af.Clauses {
		expr, err := compileClause(ref, clause, attrs, ops)
		if err != nil {
			return "", fmt.Errorf("attribute %q: %w", af.Attribute, err)
		}
		if expr != "" {
			exprs = append(exprs, expr)
		}
	}
	return join(exprs, af.LogicalOp), nil
}

func compileEntity(ef *EntityFilter, attrs map[string]AttributeRef, ops Operations) (string, error) {
	var exprs []string
	for i := range ef.Filters {
		expr, err := compileAttribute(&ef.Filters[i], attrs, ops)
		if err != nil {
			return "", err
		}
		if expr != "" {
			exprs = append(exprs, expr)
		}
	}
	return join(exprs, ef.LogicalOp), nil
}

func compileGroup(g *FilterGroup, attrs map[string]AttributeRef, ops Operations) (string, error) {
	var parts []string
	if expr, err := compileBranch(g.And, OpAnd, attrs, ops); err != nil {
		return "", err
	} else if expr != "" {
		parts = append(parts, expr)
	}
	if expr, err := compileBranch(g.Or, OpOr, attrs, ops); err != nil {
		return "", err
	} else if expr != "" {
		parts = append(parts, expr)
	}
	if expr, err := compileBranch(g.Not, OpAnd, attrs, ops); err != nil {
		return "", err
	} else if expr != "" {
		parts = append(parts, "NOT "+expr)
	}
	return join(parts, OpAnd), nil
}

func compileBranch(children []Filter, op LogicalOp, attrs map[string]AttributeRef, ops Operations) (string, error) {
	var exprs []string
	for _, child := range children {
		expr, err := Compile(child, attrs, ops)
		if err != nil {
			return "", err
		}
		if expr != "" {
			exprs = append(exprs, expr)
		}
	}
	return join(exprs, op), nil
}

func compileClause(ref AttributeRef, clause Clause, attrs map[string]AttributeRef, ops Operations) (string, error) {
	op, recognized := canonicalOp(clause.Op)
	if !recognized {
		// permissive by contract: auxiliary keys pass through untouched
		return "", nil
	}
	v, err := resolveValue(clause.Value, attrs)
	if err != nil {
		return "", err
	}
	switch op {
	case "eq":
		return ops.Eq(ref, v), nil
	case "ne":
		return ops.Ne(ref, v), nil
	case "gt":
		return ops.Gt(ref, v), nil
	case "gte":
		return ops.Gte(ref, v), nil
	case "lt":
		return ops.Lt(ref, v), nil
	case "lte":
		return ops.Lte(ref, v), nil
	case "between":
		vals := toSlice(v)
		if len(vals) != 2 {
			return "", fmt.Errorf("%w: between requires exactly 2 values, got %d", ErrInvalidShape, len(vals))
		}
		return ops.Between(ref, vals[0], vals[1]), nil
	case "begins":
		return ops.Begins(ref, v), nil
	case "in":
		return mapJoin(toSlice(v), OpOr, func(e any) string { return ops.Eq(ref, e) }), nil
	case "nin":
		return mapJoin(toSlice(v), OpAnd, func(e any) string { return ops.Ne(ref, e) }), nil
	case "contains":
		return mapJoin(toSlice(v), OpAnd, func(e any) string { return ops.Contains(ref, e) }), nil
	case "containsSome":
		return mapJoin(toSlice(v), OpOr, func(e any) string { return ops.Contains(ref, e) }), nil
	case "notContains":
		return mapJoin(toSlice(v), OpAnd, func(e any) string { return ops.NotContains(ref, e) }), nil
	case "exists":
		if truthy(v) {
			return ops.Exists(ref), nil
		}
		return ops.NotExists(ref), nil
	case "isNull":
		if truthy(v) {
			return ops.NotExists(ref), nil
		}
		return ops.Exists(ref), nil
	case "isEmpty":
		if truthy(v) {
			return ops.Eq(ref, ""), nil
		}
		return ops.Ne(ref, ""), nil
	}
	return "", nil
}

// resolveValue replaces Reference values (and Reference elements of slices)
// with the AttributeRef they point at, so operations render them as
// same-record attribute references.
func resolveValue(v any, attrs map[string]AttributeRef) (any, error) {
	switch t := v.(type) {
	case Reference:
		ref, ok := attrs[t.Attribute]
		if !ok {
			return nil, fmt.Errorf("%w: referenced attribute %q", ErrUnknownAttribute, t.Attribute)
		}
		return ref, nil
	case *Reference:
		return resolveValue(*t, attrs)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := resolveValue(e, attrs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// toSlice coerces scalars into a one-element slice; slices are expanded.
func toSlice(v any) []any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "false"
	case nil:
		return true
	default:
		return true
	}
}

func mapJoin(vals []any, op LogicalOp, render func(any) string) string {
	exprs := make([]string, 0, len(vals))
	for _, v := range vals {
		exprs = append(exprs, render(v))
	}
	return join(exprs, op)
}

// join combines expressions with the logical operator. A single expression is
// returned unparenthesized; two or more are wrapped in exactly one pair of
// parentheses. The asymmetry is deliberate and callers rely on it.
func join(exprs []string, op LogicalOp) string {
	switch len(exprs) {
	case 0:
		return ""
	case 1:
		return exprs[0]
	}
	return "(" + strings.Join(exprs, " "+op.orDefault().keyword()+" ") + ")"
}
