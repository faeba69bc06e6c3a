package ddbrepo

import (
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/acksell/entitystore/entity/filter"
)

// Ops renders operation primitives as DynamoDB condition-expression
// fragments, accumulating the expression attribute names and values the
// fragments refer to. One Ops instance backs one compile-then-query
// sequence; Params hands the collected placeholders to the request.
type Ops struct {
	mu     sync.Mutex
	n      int
	names  map[string]string
	values map[string]types.AttributeValue
}

var _ filter.Operations = (*Ops)(nil)

func newOps() *Ops {
	return &Ops{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

// Params returns the accumulated expression attribute names and values.
func (o *Ops) Params() (map[string]string, map[string]types.AttributeValue) {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make(map[string]string, len(o.names))
	for k, v := range o.names {
		names[k] = v
	}
	values := make(map[string]types.AttributeValue, len(o.values))
	for k, v := range o.values {
		values[k] = v
	}
	return names, values
}

// name registers an expression attribute name placeholder. The "#w_" prefix
// keeps these clear of the placeholders the aws expression builder generates
// for key conditions, so the two can share one request.
func (o *Ops) name(ref filter.AttributeRef) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ph := "#w_" + sanitize(ref.Rendered())
	o.names[ph] = ref.Rendered()
	return ph
}

// operand renders a literal as a value placeholder, or a same-record
// attribute reference as a name placeholder.
func (o *Ops) operand(v any) string {
	if ref, ok := v.(filter.AttributeRef); ok {
		return o.name(ref)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.n++
	ph := fmt.Sprintf(":w%d", o.n)
	av, err := attributevalue.Marshal(v)
	if err != nil {
		av = &types.AttributeValueMemberNULL{Value: true}
	}
	o.values[ph] = av
	return ph
}

func (o *Ops) Eq(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("%s = %s", o.name(ref), o.operand(v))
}

func (o *Ops) Ne(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("%s <> %s", o.name(ref), o.operand(v))
}

func (o *Ops) Gt(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("%s > %s", o.name(ref), o.operand(v))
}

func (o *Ops) Gte(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("%s >= %s", o.name(ref), o.operand(v))
}

func (o *Ops) Lt(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("%s < %s", o.name(ref), o.operand(v))
}

func (o *Ops) Lte(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("%s <= %s", o.name(ref), o.operand(v))
}

func (o *Ops) Between(ref filter.AttributeRef, lo, hi any) string {
	return fmt.Sprintf("%s BETWEEN %s AND %s", o.name(ref), o.operand(lo), o.operand(hi))
}

func (o *Ops) Begins(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("begins_with(%s, %s)", o.name(ref), o.operand(v))
}

func (o *Ops) Contains(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("contains(%s, %s)", o.name(ref), o.operand(v))
}

func (o *Ops) NotContains(ref filter.AttributeRef, v any) string {
	return fmt.Sprintf("NOT contains(%s, %s)", o.name(ref), o.operand(v))
}

func (o *Ops) Exists(ref filter.AttributeRef) string {
	return fmt.Sprintf("attribute_exists(%s)", o.name(ref))
}

func (o *Ops) NotExists(ref filter.AttributeRef) string {
	return fmt.Sprintf("attribute_not_exists(%s)", o.name(ref))
}

func sanitize(attr string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, attr)
}
