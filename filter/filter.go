// Package filter implements the content filter language of live view queries,
// e.g. "LENGTH(/symbol) = 3 AND /bid > 100", and orderBy expressions such as
// "/bid DESC".
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Record exposes the fields of a row to filters and orderings.
type Record interface {
	Get(name string) (any, bool)
}

// Fields adapts a plain map to Record.
type Fields map[string]any

// Get returns the value stored under name.
func (f Fields) Get(name string) (any, bool) {
	v, ok := f[name]
	return v, ok
}

// SyntaxError describes an invalid filter or orderBy expression.
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d in '%s': %s", e.Pos, e.Input, e.Msg)
}

// Expr is a parsed filter. The zero value and a nil *Expr match every record.
type Expr struct {
	source string
	root   node
}

// Parse parses a filter expression. An empty or blank expression matches
// every record.
func Parse(input string) (*Expr, error) {
	if strings.TrimSpace(input) == "" {
		return &Expr{source: input}, nil
	}
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %s", tok)
	}
	return &Expr{source: input, root: root}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(input string) *Expr {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text of the expression.
func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	return e.source
}

// Match reports whether r satisfies the filter.
func (e *Expr) Match(r Record) bool {
	if e == nil || e.root == nil {
		return true
	}
	return truthy(e.root.eval(r))
}

type node interface {
	eval(r Record) any
}

type literal struct{ value any }

func (n literal) eval(Record) any { return n.value }

type path struct{ segments []string }

func (n path) eval(r Record) any {
	v, ok := r.Get(n.segments[0])
	if !ok {
		return nil
	}
	for _, seg := range n.segments[1:] {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[seg]
	}
	return v
}

type not struct{ operand node }

func (n not) eval(r Record) any { return !truthy(n.operand.eval(r)) }

type logical struct {
	and         bool
	left, right node
}

func (n logical) eval(r Record) any {
	left := truthy(n.left.eval(r))
	if n.and {
		return left && truthy(n.right.eval(r))
	}
	return left || truthy(n.right.eval(r))
}

type comparison struct {
	op          string
	left, right node
}

func (n comparison) eval(r Record) any {
	left, right := n.left.eval(r), n.right.eval(r)
	if left == nil || right == nil {
		return false
	}
	c, ok := compare(left, right)
	if !ok {
		return n.op == "!=" && !equal(left, right)
	}
	switch n.op {
	case "=":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

type arithmetic struct {
	op          string
	left, right node
}

func (n arithmetic) eval(r Record) any {
	left, lok := toNumber(n.left.eval(r))
	right, rok := toNumber(n.right.eval(r))
	if !lok || !rok {
		return nil
	}
	switch n.op {
	case "+":
		return left + right
	case "-":
		return left - right
	case "*":
		return left * right
	case "/":
		if right == 0 {
			return nil
		}
		return left / right
	case "%":
		if right == 0 {
			return nil
		}
		return float64(int64(left) % int64(right))
	}
	return nil
}

type negate struct{ operand node }

func (n negate) eval(r Record) any {
	v, ok := toNumber(n.operand.eval(r))
	if !ok {
		return nil
	}
	return -v
}

type like struct {
	operand node
	pattern *regexp.Regexp
	dynamic node
	negated bool
}

func (n like) eval(r Record) any {
	v := n.operand.eval(r)
	if v == nil {
		return false
	}
	re := n.pattern
	if re == nil {
		p, ok := n.dynamic.eval(r).(string)
		if !ok {
			return false
		}
		var err error
		if re, err = regexp.Compile(p); err != nil {
			return false
		}
	}
	return re.MatchString(toString(v)) != n.negated
}

type in struct {
	operand node
	list    []node
	negated bool
}

func (n in) eval(r Record) any {
	v := n.operand.eval(r)
	if v == nil {
		return false
	}
	for _, item := range n.list {
		if equal(v, item.eval(r)) {
			return !n.negated
		}
	}
	return n.negated
}

type between struct {
	operand, low, high node
	negated            bool
}

func (n between) eval(r Record) any {
	v, low, high := n.operand.eval(r), n.low.eval(r), n.high.eval(r)
	if v == nil || low == nil || high == nil {
		return false
	}
	cl, okl := compare(v, low)
	ch, okh := compare(v, high)
	if !okl || !okh {
		return false
	}
	return (cl >= 0 && ch <= 0) != n.negated
}

type isNull struct {
	operand node
	negated bool
}

func (n isNull) eval(r Record) any {
	return (n.operand.eval(r) == nil) != n.negated
}

type call struct {
	name string
	args []node
}

func (n call) eval(r Record) any {
	v := n.args[0].eval(r)
	if v == nil {
		return nil
	}
	switch n.name {
	case "LENGTH":
		return float64(len([]rune(toString(v))))
	case "UPPER":
		return strings.ToUpper(toString(v))
	case "LOWER":
		return strings.ToLower(toString(v))
	case "ABS":
		f, ok := toNumber(v)
		if !ok {
			return nil
		}
		if f < 0 {
			return -f
		}
		return f
	}
	return nil
}

var functions = map[string]int{
	"LENGTH": 1,
	"UPPER":  1,
	"LOWER":  1,
	"ABS":    1,
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	default:
		f, ok := toNumber(v)
		return ok && f != 0
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// compare orders a and b numerically when both are numbers (or numeric
// strings) and lexically otherwise.
func compare(a, b any) (int, bool) {
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !aStr || !bStr {
		af, aok := toNumber(a)
		bf, bok := toNumber(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		if !aStr && !bStr {
			return 0, false
		}
	}
	return strings.Compare(toString(a), toString(b)), true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compare(a, b)
	return ok && c == 0
}
