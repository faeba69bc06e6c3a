package localrepo

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/acksell/entitystore/entity/filter"
)

// predicate checks one decoded document.
type predicate func(item map[string]any) bool

// Ops renders each operation primitive as an opaque token ("$n") and parks
// the matching predicate on the repository. The compiled expression string
// is a boolean combination of tokens that Where evaluates per document.
type Ops struct {
	r *Repo
}

var _ filter.Operations = (*Ops)(nil)

func (o *Ops) cmp(ref filter.AttributeRef, v any, want func(int) bool) string {
	return o.r.registerPred(func(item map[string]any) bool {
		c, ok := compareValues(item[ref.Name], operand(v, item))
		return ok && want(c)
	})
}

func (o *Ops) Eq(ref filter.AttributeRef, v any) string {
	return o.r.registerPred(func(item map[string]any) bool {
		return equalValues(item[ref.Name], operand(v, item))
	})
}

func (o *Ops) Ne(ref filter.AttributeRef, v any) string {
	return o.r.registerPred(func(item map[string]any) bool {
		return !equalValues(item[ref.Name], operand(v, item))
	})
}

func (o *Ops) Gt(ref filter.AttributeRef, v any) string {
	return o.cmp(ref, v, func(c int) bool { return c > 0 })
}

func (o *Ops) Gte(ref filter.AttributeRef, v any) string {
	return o.cmp(ref, v, func(c int) bool { return c >= 0 })
}

func (o *Ops) Lt(ref filter.AttributeRef, v any) string {
	return o.cmp(ref, v, func(c int) bool { return c < 0 })
}

func (o *Ops) Lte(ref filter.AttributeRef, v any) string {
	return o.cmp(ref, v, func(c int) bool { return c <= 0 })
}

func (o *Ops) Between(ref filter.AttributeRef, lo, hi any) string {
	return o.r.registerPred(func(item map[string]any) bool {
		v := item[ref.Name]
		cl, okl := compareValues(v, operand(lo, item))
		ch, okh := compareValues(v, operand(hi, item))
		return okl && okh && cl >= 0 && ch <= 0
	})
}

func (o *Ops) Begins(ref filter.AttributeRef, v any) string {
	return o.r.registerPred(func(item map[string]any) bool {
		s, ok := item[ref.Name].(string)
		prefix, ok2 := operand(v, item).(string)
		return ok && ok2 && strings.HasPrefix(s, prefix)
	})
}

func (o *Ops) Contains(ref filter.AttributeRef, v any) string {
	return o.r.registerPred(func(item map[string]any) bool {
		return containsValue(item[ref.Name], operand(v, item))
	})
}

func (o *Ops) NotContains(ref filter.AttributeRef, v any) string {
	return o.r.registerPred(func(item map[string]any) bool {
		return !containsValue(item[ref.Name], operand(v, item))
	})
}

func (o *Ops) Exists(ref filter.AttributeRef) string {
	return o.r.registerPred(func(item map[string]any) bool {
		v, ok := item[ref.Name]
		return ok && v != nil
	})
}

func (o *Ops) NotExists(ref filter.AttributeRef) string {
	return o.r.registerPred(func(item map[string]any) bool {
		v, ok := item[ref.Name]
		return !ok || v == nil
	})
}

// operand resolves same-record attribute references at evaluation time.
func operand(v any, item map[string]any) any {
	if ref, ok := v.(filter.AttributeRef); ok {
		return item[ref.Name]
	}
	return v
}

func containsValue(container, v any) bool {
	switch c := container.(type) {
	case string:
		s, ok := v.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, e := range c {
			if equalValues(e, v) {
				return true
			}
		}
		return false
	default:
		rv := reflect.ValueOf(container)
		if rv.Kind() == reflect.Slice {
			for i := 0; i < rv.Len(); i++ {
				if equalValues(rv.Index(i).Interface(), v) {
					return true
				}
			}
		}
		return false
	}
}

func equalValues(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareValues orders two values when they are mutually comparable:
// numerically when both parse as numbers, lexically for strings.
// JSON decoding turns all numbers into float64, so numeric comparison has
// to tolerate mixed Go number types.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
		return 0, false
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok && ba == bb {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
