// Package expr evaluates arithmetic expressions over decimals. Only numeric
// literals, caller-supplied variables, + - * / and parentheses are accepted;
// anything else is a syntax error.
package expr

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	ErrSyntax         = errors.New("expr: syntax error")
	ErrDivisionByZero = errors.New("expr: division by zero")
	ErrUnknownVar     = errors.New("expr: unknown variable")
)

// maxLen bounds input size; fee expressions are a few dozen bytes.
const maxLen = 256

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  decimal.Decimal
}

// unary minus is encoded as op "~".
var precedence = map[string]int{
	"+": 1, "-": 1,
	"*": 2, "/": 2,
	"~": 3,
}

// Eval evaluates s with the given variables.
func Eval(s string, vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	if len(s) > maxLen {
		return decimal.Zero, fmt.Errorf("%w: expression longer than %d bytes", ErrSyntax, maxLen)
	}
	tokens, err := tokenize(s)
	if err != nil {
		return decimal.Zero, err
	}
	rpn, err := toRPN(tokens)
	if err != nil {
		return decimal.Zero, err
	}
	return evalRPN(rpn, vars)
}

// Validate checks that s parses and only references the given variable names.
func Validate(s string, names ...string) error {
	vars := make(map[string]decimal.Decimal, len(names))
	for _, n := range names {
		vars[n] = decimal.NewFromInt(1)
	}
	_, err := Eval(s, vars)
	if errors.Is(err, ErrDivisionByZero) {
		return nil
	}
	return err
}

func tokenize(s string) ([]token, error) {
	var out []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			dots := 0
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				if rs[j] == '.' {
					dots++
				}
				j++
			}
			lit := string(rs[i:j])
			if dots > 1 || lit == "." {
				return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, lit)
			}
			d, err := decimal.NewFromString(lit)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, lit)
			}
			out = append(out, token{kind: tokNumber, text: lit, num: d})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			out = append(out, token{kind: tokIdent, text: string(rs[i:j])})
			i = j
		case strings.ContainsRune("+-*/", r):
			op := string(r)
			if (r == '-' || r == '+') && unaryPosition(out) {
				if r == '+' {
					i++
					continue
				}
				op = "~"
			}
			out = append(out, token{kind: tokOp, text: op})
			i++
		case r == '(':
			out = append(out, token{kind: tokLParen, text: "("})
			i++
		case r == ')':
			out = append(out, token{kind: tokRParen, text: ")"})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrSyntax, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	return out, nil
}

func unaryPosition(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	last := prev[len(prev)-1]
	return last.kind == tokOp || last.kind == tokLParen
}

func toRPN(tokens []token) ([]token, error) {
	var out, stack []token
	for _, t := range tokens {
		switch t.kind {
		case tokNumber, tokIdent:
			out = append(out, t)
		case tokOp:
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				if top.kind != tokOp {
					break
				}
				// "~" is right-associative, the binary operators are left-associative.
				if precedence[top.text] > precedence[t.text] ||
					(precedence[top.text] == precedence[t.text] && t.text != "~") {
					out = append(out, top)
					stack = stack[:len(stack)-1]
					continue
				}
				break
			}
			stack = append(stack, t)
		case tokLParen:
			stack = append(stack, t)
		case tokRParen:
			matched := false
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.kind == tokLParen {
					matched = true
					break
				}
				out = append(out, top)
			}
			if !matched {
				return nil, fmt.Errorf("%w: unbalanced ')'", ErrSyntax)
			}
		}
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.kind == tokLParen {
			return nil, fmt.Errorf("%w: unbalanced '('", ErrSyntax)
		}
		out = append(out, top)
	}
	return out, nil
}

func evalRPN(rpn []token, vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	var stack []decimal.Decimal
	pop := func() (decimal.Decimal, bool) {
		if len(stack) == 0 {
			return decimal.Zero, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for _, t := range rpn {
		switch t.kind {
		case tokNumber:
			stack = append(stack, t.num)
		case tokIdent:
			v, ok := vars[t.text]
			if !ok {
				return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownVar, t.text)
			}
			stack = append(stack, v)
		case tokOp:
			if t.text == "~" {
				v, ok := pop()
				if !ok {
					return decimal.Zero, fmt.Errorf("%w: dangling '-'", ErrSyntax)
				}
				stack = append(stack, v.Neg())
				continue
			}
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return decimal.Zero, fmt.Errorf("%w: missing operand for %q", ErrSyntax, t.text)
			}
			switch t.text {
			case "+":
				stack = append(stack, a.Add(b))
			case "-":
				stack = append(stack, a.Sub(b))
			case "*":
				stack = append(stack, a.Mul(b))
			case "/":
				if b.IsZero() {
					return decimal.Zero, ErrDivisionByZero
				}
				stack = append(stack, a.Div(b))
			}
		}
	}
	if len(stack) != 1 {
		return decimal.Zero, fmt.Errorf("%w: malformed expression", ErrSyntax)
	}
	return stack[0], nil
}
