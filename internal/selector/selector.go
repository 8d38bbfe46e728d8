// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package selector parses and evaluates the message selector grammar used
// to filter broker messages by their properties: comparisons, LIKE, IS
// NULL, AND/OR/NOT and parentheses with SQL three valued logic.
package selector

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrSyntax is returned for malformed selector strings.
var ErrSyntax = errors.New("selector: syntax error")

// Expr is a compiled selector.
type Expr interface {
	// Matches reports whether props satisfy the selector. Unknown (a
	// missing property) counts as no match.
	Matches(props map[string]any) bool
	String() string
}

// All matches every message.
var All Expr = &compiled{src: "", root: literal{v: true}}

// Parse compiles a selector. An empty string matches everything.
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return All, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return &compiled{src: src, root: root}, nil
}

// MustParse is Parse for selectors built by this module.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type compiled struct {
	src  string
	root node
}

func (c *compiled) Matches(props map[string]any) bool { return c.root.eval(props) == triTrue }
func (c *compiled) String() string                    { return c.src }

type tri int8

const (
	triUnknown tri = iota
	triFalse
	triTrue
)

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

type node interface {
	eval(props map[string]any) tri
}

// operand nodes also yield a value
type operand interface {
	node
	value(props map[string]any) any
}

type literal struct{ v any }

func (l literal) value(map[string]any) any { return l.v }
func (l literal) eval(map[string]any) tri  { return boolTri(l.v) }

type ident struct{ name string }

func (id ident) value(props map[string]any) any { return props[id.name] }
func (id ident) eval(props map[string]any) tri  { return boolTri(props[id.name]) }

func boolTri(v any) tri {
	b, ok := v.(bool)
	if !ok {
		return triUnknown
	}
	return triOf(b)
}

type and struct{ l, r node }

func (n and) eval(props map[string]any) tri {
	l := n.l.eval(props)
	if l == triFalse {
		return triFalse
	}
	r := n.r.eval(props)
	switch {
	case r == triFalse:
		return triFalse
	case l == triTrue && r == triTrue:
		return triTrue
	}
	return triUnknown
}

type or struct{ l, r node }

func (n or) eval(props map[string]any) tri {
	l := n.l.eval(props)
	if l == triTrue {
		return triTrue
	}
	r := n.r.eval(props)
	switch {
	case r == triTrue:
		return triTrue
	case l == triFalse && r == triFalse:
		return triFalse
	}
	return triUnknown
}

type not struct{ x node }

func (n not) eval(props map[string]any) tri {
	switch n.x.eval(props) {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	}
	return triUnknown
}

type compare struct {
	op   string
	l, r operand
}

func (c compare) eval(props map[string]any) tri {
	a, b := c.l.value(props), c.r.value(props)
	if a == nil || b == nil {
		return triUnknown
	}
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return triUnknown
		}
		return cmpResult(c.op, cmp3(x, y))
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return triUnknown
		}
		return cmpResult(c.op, strings.Compare(x, y))
	case bool:
		y, ok := b.(bool)
		if !ok {
			return triUnknown
		}
		switch c.op {
		case "=":
			return triOf(x == y)
		case "<>":
			return triOf(x != y)
		}
	}
	return triUnknown
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func cmp3(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpResult(op string, c int) tri {
	switch op {
	case "=":
		return triOf(c == 0)
	case "<>":
		return triOf(c != 0)
	case "<":
		return triOf(c < 0)
	case "<=":
		return triOf(c <= 0)
	case ">":
		return triOf(c > 0)
	case ">=":
		return triOf(c >= 0)
	}
	return triUnknown
}

type like struct {
	x       operand
	re      *regexp.Regexp
	negated bool
}

func (l like) eval(props map[string]any) tri {
	s, ok := l.x.value(props).(string)
	if !ok {
		return triUnknown
	}
	return triOf(l.re.MatchString(s) != l.negated)
}

type isNull struct {
	x       operand
	negated bool
}

func (n isNull) eval(props map[string]any) tri {
	return triOf((n.x.value(props) == nil) != n.negated)
}

// likePattern translates a LIKE pattern into an anchored regexp.
func likePattern(pattern string, escape rune, hasEscape bool) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?s)^")
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case hasEscape && r == escape:
			if i+1 >= len(rs) {
				return nil, fmt.Errorf("%w: dangling escape in %q", ErrSyntax, pattern)
			}
			i++
			b.WriteString(regexp.QuoteMeta(string(rs[i])))
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	if t := p.peek(); t.kind == tokKeyword && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = or{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = and{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseNot() (node, error) {
	if p.keyword("NOT") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return not{x: x}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ) at %d", ErrSyntax, t.pos)
		}
		return x, nil
	}

	l, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	switch {
	case t.kind == tokOp:
		p.next()
		r, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compare{op: t.text, l: l, r: r}, nil
	case p.keyword("IS"):
		negated := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("%w: expected NULL at %d", ErrSyntax, p.peek().pos)
		}
		return isNull{x: l, negated: negated}, nil
	case t.kind == tokKeyword && (t.text == "LIKE" || t.text == "NOT"):
		negated := p.keyword("NOT")
		if !p.keyword("LIKE") {
			return nil, fmt.Errorf("%w: expected LIKE at %d", ErrSyntax, p.peek().pos)
		}
		pat := p.next()
		if pat.kind != tokString {
			return nil, fmt.Errorf("%w: LIKE needs a string pattern at %d", ErrSyntax, pat.pos)
		}
		var esc rune
		hasEscape := false
		if p.keyword("ESCAPE") {
			e := p.next()
			if e.kind != tokString || len([]rune(e.text)) != 1 {
				return nil, fmt.Errorf("%w: ESCAPE needs a single character at %d", ErrSyntax, e.pos)
			}
			esc, hasEscape = []rune(e.text)[0], true
		}
		re, err := likePattern(pat.text, esc, hasEscape)
		if err != nil {
			return nil, err
		}
		return like{x: l, re: re, negated: negated}, nil
	}
	return l, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return ident{name: t.text}, nil
	case tokString:
		return literal{v: t.text}, nil
	case tokNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, t.text)
			}
			return literal{v: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, t.text)
		}
		return literal{v: n}, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return literal{v: true}, nil
		case "FALSE":
			return literal{v: false}, nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
}
