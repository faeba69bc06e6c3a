package localrepo

import (
	"fmt"
	"strings"
)

// Compiled filter expressions over this store are boolean combinations of
// predicate tokens: `($1 AND ($2 OR $3)) AND NOT $4`. This is a small
// recursive-descent parser for that grammar:
//
//	or    := and { "OR" and }
//	and   := unary { "AND" unary }
//	unary := "NOT" unary | "(" or ")" | token
func parseExpression(expr string, preds map[string]predicate) (predicate, error) {
	p := &exprParser{tokens: tokenizeExpr(expr), preds: preds}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok != "" {
		return nil, fmt.Errorf("unexpected trailing token %q in expression %q", tok, expr)
	}
	return node, nil
}

func tokenizeExpr(expr string) []string {
	expr = strings.ReplaceAll(expr, "(", " ( ")
	expr = strings.ReplaceAll(expr, ")", " ) ")
	return strings.Fields(expr)
}

type exprParser struct {
	tokens []string
	pos    int
	preds  map[string]predicate
}

func (p *exprParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *exprParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *exprParser) parseOr() (predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []predicate{left}
	for p.peek() == "OR" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return func(item map[string]any) bool {
		for _, t := range terms {
			if t(item) {
				return true
			}
		}
		return false
	}, nil
}

func (p *exprParser) parseAnd() (predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []predicate{left}
	for p.peek() == "AND" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return func(item map[string]any) bool {
		for _, t := range terms {
			if !t(item) {
				return false
			}
		}
		return true
	}, nil
}

func (p *exprParser) parseUnary() (predicate, error) {
	switch tok := p.next(); {
	case tok == "NOT":
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(item map[string]any) bool { return !inner(item) }, nil
	case tok == "(":
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing != ")" {
			return nil, fmt.Errorf("expected closing parenthesis, got %q", closing)
		}
		return inner, nil
	case strings.HasPrefix(tok, "$"):
		pred, ok := p.preds[tok]
		if !ok {
			return nil, fmt.Errorf("unknown predicate token %q", tok)
		}
		return pred, nil
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected token %q", tok)
	}
}
