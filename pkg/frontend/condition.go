package frontend

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates expr against the named values in vars.
//
// Grammar:
//
//	<expr>  ::= <or>
//	<or>    ::= <and> ( "||" <and> )*
//	<and>   ::= <atom> ( "&&" <atom> )*
//	<atom>  ::= "!" <atom> | "(" <expr> ")" | <name> <cmp> <value> | <name>
//	<cmp>   ::= "==" | "!=" | "<" | "<=" | ">" | ">="
//	<name>  ::= alphanumeric + _ + .
//	<value> ::= single-quoted | double-quoted | bare word
//
// Ordering comparisons are numeric and false when either side is not a
// number. A bare name is truthy when its value is set, non-empty and not
// "false" or "0".
func EvalCondition(expr string, vars map[string]any) (bool, error) {
	p := &condParser{input: strings.TrimSpace(expr), vars: vars}
	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	p.skipWS()
	if p.pos < len(p.input) {
		return false, fmt.Errorf("condition %q: unexpected %q at pos %d", expr, p.input[p.pos:], p.pos)
	}
	return result, nil
}

type condParser struct {
	input string
	pos   int
	vars  map[string]any
}

func (p *condParser) rest() string {
	if p.pos >= len(p.input) {
		return ""
	}
	return p.input[p.pos:]
}

func (p *condParser) skipWS() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		p.skipWS()
		if !strings.HasPrefix(p.rest(), "||") {
			return left, nil
		}
		p.pos += 2
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseAtom()
	if err != nil {
		return false, err
	}
	for {
		p.skipWS()
		if !strings.HasPrefix(p.rest(), "&&") {
			return left, nil
		}
		p.pos += 2
		right, err := p.parseAtom()
		if err != nil {
			return false, err
		}
		left = left && right
	}
}

func (p *condParser) parseAtom() (bool, error) {
	p.skipWS()
	if p.pos >= len(p.input) {
		return false, fmt.Errorf("unexpected end of expression")
	}
	switch p.input[p.pos] {
	case '!':
		if !strings.HasPrefix(p.rest(), "!=") {
			p.pos++
			v, err := p.parseAtom()
			return !v, err
		}
	case '(':
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		p.skipWS()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return false, fmt.Errorf("expected ')'")
		}
		p.pos++
		return v, nil
	}

	name := p.parseName()
	if name == "" {
		return false, fmt.Errorf("expected name at pos %d in %q", p.pos, p.input)
	}
	p.skipWS()
	// Longer operators first.
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if !strings.HasPrefix(p.rest(), op) {
			continue
		}
		p.pos += len(op)
		p.skipWS()
		return compare(stringify(p.vars[name]), op, p.parseValue()), nil
	}
	return truthy(p.vars[name]), nil
}

func (p *condParser) parseName() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '.' || c == '-' {
			p.pos++
		} else {
			break
		}
	}
	return p.input[start:p.pos]
}

func (p *condParser) parseValue() string {
	if p.pos >= len(p.input) {
		return ""
	}
	quote := p.input[p.pos]
	if quote == '\'' || quote == '"' {
		p.pos++
		start := p.pos
		for p.pos < len(p.input) && p.input[p.pos] != quote {
			p.pos++
		}
		val := p.input[start:p.pos]
		if p.pos < len(p.input) {
			p.pos++
		}
		return val
	}
	return p.parseName()
}

func compare(left, op, right string) bool {
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	}
	l, errL := strconv.ParseFloat(left, 64)
	r, errR := strconv.ParseFloat(right, 64)
	if errL != nil || errR != nil {
		return false
	}
	switch op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func truthy(v any) bool {
	switch s := stringify(v); s {
	case "", "false", "0":
		return false
	}
	return true
}
