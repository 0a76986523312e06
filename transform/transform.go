// Package transform evaluates the small sandboxed expressions used by
// publisher mappings to reshape a tag value before egress. An
// expression reads the current value through the `value` identifier
// and may combine arithmetic, comparisons, a ternary, and a fixed set
// of functions. There is no assignment, no loops, and no access to
// anything beyond the input value.
package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Program is a compiled expression, safe for concurrent Eval calls.
type Program struct {
	src  string
	root node
}

// Compile parses an expression. Compile once and reuse; parsing
// dominates evaluation cost.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("transform: unexpected %q after expression", p.peek().text)
	}
	return &Program{src: src, root: root}, nil
}

// Eval runs the program against one input value.
func (p *Program) Eval(value interface{}) (interface{}, error) {
	return p.root.eval(value)
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Eval compiles and evaluates in one step, for one-shot use.
func Eval(src string, value interface{}) (interface{}, error) {
	prog, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return prog.Eval(value)
}

// ---- lexer ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '+' || src[j] == '-') && j > i && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			n, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("transform: bad number %q", src[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: n})
			i = j
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("transform: unterminated string")
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
			i = j + 1
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			// Two-char operators first.
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "==", "!=", "<=", ">=", "&&", "||":
					toks = append(toks, token{kind: tokOp, text: two})
					i += 2
					continue
				}
			}
			switch c {
			case '+', '-', '*', '/', '%', '<', '>', '!', '?', ':', '(', ')', ',':
				toks = append(toks, token{kind: tokOp, text: string(c)})
				i++
			default:
				return nil, fmt.Errorf("transform: unexpected character %q", c)
			}
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// ---- parser (precedence climbing) ----

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

func (p *parser) expect(op string) error {
	t := p.next()
	if t.kind != tokOp || t.text != op {
		return fmt.Errorf("transform: expected %q, got %q", op, t.text)
	}
	return nil
}

// Binding powers, loosest to tightest. Ternary sits below || and is
// right-associative.
var binPower = map[string]int{
	"||": 10,
	"&&": 20,
	"==": 30, "!=": 30,
	"<": 40, "<=": 40, ">": 40, ">=": 40,
	"+": 50, "-": 50,
	"*": 60, "/": 60, "%": 60,
}

func (p *parser) parseExpr(minPower int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		if t.text == "?" && minPower <= 5 {
			p.next()
			thenN, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(":"); err != nil {
				return nil, err
			}
			elseN, err := p.parseExpr(5)
			if err != nil {
				return nil, err
			}
			left = &ternaryNode{cond: left, then: thenN, els: elseN}
			continue
		}
		power, ok := binPower[t.text]
		if !ok || power <= minPower {
			return left, nil
		}
		p.next()
		right, err := p.parseExpr(power)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "-":
			p.next()
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &unaryNode{op: "-", operand: operand}, nil
		case "!":
			p.next()
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &unaryNode{op: "!", operand: operand}, nil
		case "(":
			p.next()
			inner, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return litNode{val: t.num}, nil
	case tokString:
		return litNode{val: t.text}, nil
	case tokIdent:
		switch t.text {
		case "value":
			return valueNode{}, nil
		case "true":
			return litNode{val: true}, nil
		case "false":
			return litNode{val: false}, nil
		case "null":
			return litNode{val: nil}, nil
		}
		if _, ok := functions[t.text]; !ok {
			return nil, fmt.Errorf("transform: unknown identifier %q", t.text)
		}
		if err := p.expect("("); err != nil {
			return nil, err
		}
		var args []node
		if !(p.peek().kind == tokOp && p.peek().text == ")") {
			for {
				arg, err := p.parseExpr(0)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind == tokOp && p.peek().text == "," {
					p.next()
					continue
				}
				break
			}
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		fn := functions[t.text]
		if fn.arity >= 0 && len(args) != fn.arity {
			return nil, fmt.Errorf("transform: %s takes %d argument(s), got %d", t.text, fn.arity, len(args))
		}
		if fn.arity < 0 && len(args) < 1 {
			return nil, fmt.Errorf("transform: %s needs at least one argument", t.text)
		}
		return &callNode{name: t.text, fn: fn, args: args}, nil
	}
	return nil, fmt.Errorf("transform: unexpected %q", t.text)
}

// ---- AST ----

type node interface {
	eval(value interface{}) (interface{}, error)
}

type litNode struct{ val interface{} }

func (n litNode) eval(interface{}) (interface{}, error) { return n.val, nil }

type valueNode struct{}

func (valueNode) eval(value interface{}) (interface{}, error) { return value, nil }

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(value interface{}) (interface{}, error) {
	v, err := n.operand.eval(value)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "-":
		f, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return -f, nil
	case "!":
		return !truthy(v), nil
	}
	return nil, fmt.Errorf("transform: bad unary %q", n.op)
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(value interface{}) (interface{}, error) {
	l, err := n.left.eval(value)
	if err != nil {
		return nil, err
	}
	// Short-circuit logic before evaluating the right side.
	switch n.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(value)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(value)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	r, err := n.right.eval(value)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	}

	// String concatenation keeps + useful for templating.
	if n.op == "+" {
		if ls, ok := l.(string); ok {
			rs, _ := toString(r)
			return ls + rs, nil
		}
		if rs, ok := r.(string); ok {
			ls, _ := toString(l)
			return ls + rs, nil
		}
	}

	lf, err := toNumber(l)
	if err != nil {
		return nil, err
	}
	rf, err := toNumber(r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("transform: division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("transform: modulo by zero")
		}
		return math.Mod(lf, rf), nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("transform: bad operator %q", n.op)
}

type ternaryNode struct {
	cond, then, els node
}

func (n *ternaryNode) eval(value interface{}) (interface{}, error) {
	c, err := n.cond.eval(value)
	if err != nil {
		return nil, err
	}
	if truthy(c) {
		return n.then.eval(value)
	}
	return n.els.eval(value)
}

type callNode struct {
	name string
	fn   function
	args []node
}

func (n *callNode) eval(value interface{}) (interface{}, error) {
	args := make([]interface{}, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(value)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return n.fn.call(args)
}

// ---- functions ----

type function struct {
	arity int // -1 for variadic (min 1)
	call  func(args []interface{}) (interface{}, error)
}

var functions = map[string]function{
	"abs": numeric1(math.Abs),
	"round": {arity: -1, call: func(args []interface{}) (interface{}, error) {
		f, err := toNumber(args[0])
		if err != nil {
			return nil, err
		}
		if len(args) == 1 {
			return math.Round(f), nil
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("transform: round takes 1 or 2 arguments")
		}
		places, err := toNumber(args[1])
		if err != nil {
			return nil, err
		}
		scale := math.Pow(10, math.Trunc(places))
		return math.Round(f*scale) / scale, nil
	}},
	"floor": numeric1(math.Floor),
	"ceil":  numeric1(math.Ceil),
	"min": {arity: -1, call: func(args []interface{}) (interface{}, error) {
		return fold(args, math.Min)
	}},
	"max": {arity: -1, call: func(args []interface{}) (interface{}, error) {
		return fold(args, math.Max)
	}},
	"upper": {arity: 1, call: func(args []interface{}) (interface{}, error) {
		s, err := toString(args[0])
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	}},
	"lower": {arity: 1, call: func(args []interface{}) (interface{}, error) {
		s, err := toString(args[0])
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	}},
	"str": {arity: 1, call: func(args []interface{}) (interface{}, error) {
		return toString(args[0])
	}},
	"num": {arity: 1, call: func(args []interface{}) (interface{}, error) {
		return toNumber(args[0])
	}},
}

func numeric1(f func(float64) float64) function {
	return function{arity: 1, call: func(args []interface{}) (interface{}, error) {
		v, err := toNumber(args[0])
		if err != nil {
			return nil, err
		}
		return f(v), nil
	}}
}

func fold(args []interface{}, f func(a, b float64) float64) (interface{}, error) {
	acc, err := toNumber(args[0])
	if err != nil {
		return nil, err
	}
	for _, a := range args[1:] {
		v, err := toNumber(a)
		if err != nil {
			return nil, err
		}
		acc = f(acc, v)
	}
	return acc, nil
}

// ---- coercions ----

func toNumber(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("transform: %q is not a number", n)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("transform: value is null")
	}
	return 0, fmt.Errorf("transform: cannot use %T as a number", v)
}

func toString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool:
		return strconv.FormatBool(s), nil
	case nil:
		return "", nil
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), nil
	}
	if f, err := toNumber(v); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return fmt.Sprintf("%v", v), nil
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != ""
	case nil:
		return false
	}
	if f, err := toNumber(v); err == nil {
		return f != 0
	}
	return true
}

func looseEqual(l, r interface{}) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok {
			return lb == rb
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return ls == rs
		}
	}
	lf, lerr := toNumber(l)
	rf, rerr := toNumber(r)
	if lerr == nil && rerr == nil {
		return lf == rf
	}
	return false
}
