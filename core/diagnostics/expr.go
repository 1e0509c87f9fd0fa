package diagnostics

import (
	"fmt"
	"strings"
	"unicode"
)

// Expr is a parsed custom rollup expression over named reading results.
//
// Grammar:
//
//	or      = and { ("OR" | "||") and }
//	and     = unary { ("AND" | "&&") unary }
//	unary   = ("NOT" | "!") unary | primary
//	primary = "(" or ")" | "true" | "false" | identifier
//
// Keywords are case-insensitive. Identifiers are reading ids.
type Expr interface {
	Eval(results map[string]*bool) (bool, error)
}

type identExpr struct{ name string }

type literalExpr struct{ value bool }

type notExpr struct{ inner Expr }

type binaryExpr struct {
	and         bool
	left, right Expr
}

func (e identExpr) Eval(results map[string]*bool) (bool, error) {
	v, ok := results[e.name]
	if !ok {
		return false, fmt.Errorf("unknown reading %q", e.name)
	}
	if v == nil {
		return false, fmt.Errorf("reading %q is indeterminate", e.name)
	}
	return *v, nil
}

func (e literalExpr) Eval(map[string]*bool) (bool, error) { return e.value, nil }

func (e notExpr) Eval(results map[string]*bool) (bool, error) {
	v, err := e.inner.Eval(results)
	return !v, err
}

// Both sides are always evaluated so an indeterminate reading is never masked.
func (e binaryExpr) Eval(results map[string]*bool) (bool, error) {
	l, err := e.left.Eval(results)
	if err != nil {
		return false, err
	}
	r, err := e.right.Eval(results)
	if err != nil {
		return false, err
	}
	if e.and {
		return l && r, nil
	}
	return l || r, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokAnd
	tokOr
	tokNot
	tokTrue
	tokFalse
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

const maxExprLen = 4096

func tokenize(src string) ([]token, error) {
	if len(src) > maxExprLen {
		return nil, fmt.Errorf("expression longer than %d bytes", maxExprLen)
	}
	var toks []token
	for i := 0; i < len(src); {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '!':
			toks = append(toks, token{tokNot, "!", i})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || rune(src[i+1]) != c {
				return nil, fmt.Errorf("unexpected %q at %d", c, i)
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			toks = append(toks, token{kind, src[i : i+2], i})
			i += 2
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			kind := tokIdent
			switch strings.ToUpper(word) {
			case "AND":
				kind = tokAnd
			case "OR":
				kind = tokOr
			case "NOT":
				kind = tokNot
			case "TRUE":
				kind = tokTrue
			case "FALSE":
				kind = tokFalse
			}
			toks = append(toks, token{kind, word, start})
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isIdentStart(c rune) bool {
	return c == '_' || (c < unicode.MaxASCII && unicode.IsLetter(c)) || (c < unicode.MaxASCII && unicode.IsDigit(c))
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || c == '-' || c == '.'
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

const maxExprDepth = 64

// ParseExpr parses a custom rollup expression.
func ParseExpr(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
	}
	return expr, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxExprDepth {
		return nil, fmt.Errorf("expression nested deeper than %d", maxExprDepth)
	}
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokIdent:
		return identExpr{name: tok.text}, nil
	case tokTrue:
		return literalExpr{value: true}, nil
	case tokFalse:
		return literalExpr{value: false}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
}
