package expression

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Eval evaluates a restricted infix expression against the context.
func Eval(expr string, ctx *Context) (interface{}, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, ctx: ctx}
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return v, nil
}

// EvalBool evaluates an expression to a boolean. Unparseable or failing
// expressions evaluate to false; the error is returned so the caller can log
// a warning, never to abort dispatch.
func EvalBool(expr string, ctx *Context) (bool, error) {
	v, err := Eval(expr, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy converts an evaluation result into a boolean.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var b strings.Builder
			for j < len(s) && s[j] != quote {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				b.WriteByte(s[j])
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, b.String()})
			i = j + 1
		case unicode.IsDigit(rune(c)):
			j := i
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			// Identifiers may contain hyphens (node ids like step-1), so
			// subtraction needs surrounding spaces.
			j := i
			for j < len(s) {
				ch := s[j]
				if unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch)) ||
					ch == '_' || ch == '.' || ch == '[' || ch == ']' {
					j++
					continue
				}
				if ch == '-' && j+1 < len(s) &&
					(unicode.IsLetter(rune(s[j+1])) || unicode.IsDigit(rune(s[j+1]))) {
					j++
					continue
				}
				break
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			matched := false
			for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
				if strings.HasPrefix(s[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			switch c {
			case '<', '>', '+', '-', '*', '/', '%', '!', '(', ')':
				toks = append(toks, token{tokOp, string(c)})
				i++
			default:
				return nil, fmt.Errorf("unexpected character %q", c)
			}
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
	ctx  *Context
}

func (p *parser) eof() bool     { return p.pos >= len(p.toks) }
func (p *parser) peek() token   { return p.toks[p.pos] }
func (p *parser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) accept(text string) bool {
	if !p.eof() && p.peek().text == text && (p.peek().kind == tokOp || p.peek().kind == tokIdent) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (interface{}, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
	return left, nil
}

func (p *parser) parseComparison() (interface{}, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for !p.eof() {
		op := p.peek().text
		switch op {
		case "==", "!=", "<", "<=", ">", ">=":
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = compare(op, left, right)
		case "in":
			if p.peek().kind != tokIdent {
				return left, nil
			}
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = contains(right, left)
		default:
			return left, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (interface{}, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for !p.eof() && (p.peek().text == "+" || p.peek().text == "-") && p.peek().kind == tokOp {
		op := p.advance().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			// String concatenation when either side is a string.
			if ls, ok := left.(string); ok {
				left = ls + Stringify(right)
				continue
			}
			if rs, ok := right.(string); ok {
				left = Stringify(left) + rs
				continue
			}
			left = ToNumber(left) + ToNumber(right)
		} else {
			left = ToNumber(left) - ToNumber(right)
		}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (interface{}, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOp {
		op := p.peek().text
		if op != "*" && op != "/" && op != "%" {
			break
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l, r := ToNumber(left), ToNumber(right)
		switch op {
		case "*":
			left = l * r
		case "/":
			if r == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			left = l / r
		case "%":
			if int64(r) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			left = float64(int64(l) % int64(r))
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (interface{}, error) {
	if p.accept("!") {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	if !p.eof() && p.peek().kind == tokOp && p.peek().text == "-" {
		p.advance()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return -ToNumber(v), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (interface{}, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.advance()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return n, nil
	case tokString:
		return t.text, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		}
		v, _ := p.ctx.Resolve(t.text)
		return v, nil
	case tokOp:
		if t.text == "(" {
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.accept(")") {
				return nil, fmt.Errorf("missing closing parenthesis")
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

func compare(op string, a, b interface{}) bool {
	switch op {
	case "==":
		return equal(a, b)
	case "!=":
		return !equal(a, b)
	}
	l, r := ToNumber(a), ToNumber(b)
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

func equal(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return Stringify(a) == Stringify(b)
}

func contains(collection, item interface{}) bool {
	switch c := collection.(type) {
	case string:
		return strings.Contains(c, Stringify(item))
	case []interface{}:
		for _, v := range c {
			if equal(v, item) {
				return true
			}
		}
	case map[string]interface{}:
		_, ok := c[Stringify(item)]
		return ok
	}
	return false
}

// ToNumber coerces a value to float64; non-numeric values become 0.
func ToNumber(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseFloat(val, 64)
		return n
	}
	return 0
}
