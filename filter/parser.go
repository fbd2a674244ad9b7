package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type parser struct {
	input  string
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &SyntaxError{Input: p.input, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		return tok, p.errorf(tok, "expected %s, got %s", what, tok)
	}
	return tok, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().isKeyword("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().isKeyword("and") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logical{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().isKeyword("not") {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return not{operand: operand}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	if tok.kind == tokOp {
		switch tok.text {
		case "=", "==", "!=", "<>", "<", "<=", ">", ">=":
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			op := tok.text
			switch op {
			case "==":
				op = "="
			case "<>":
				op = "!="
			}
			return comparison{op: op, left: left, right: right}, nil
		}
	}

	negated := false
	if tok.isKeyword("not") {
		next := p.tokens[p.pos+1]
		if next.isKeyword("like") || next.isKeyword("in") || next.isKeyword("between") {
			p.advance()
			negated = true
			tok = p.peek()
		}
	}

	switch {
	case tok.isKeyword("like"):
		p.advance()
		return p.parseLike(left, negated)
	case tok.isKeyword("in"):
		p.advance()
		return p.parseIn(left, negated)
	case tok.isKeyword("between"):
		p.advance()
		low, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if and := p.advance(); !and.isKeyword("and") {
			return nil, p.errorf(and, "expected AND in BETWEEN, got %s", and)
		}
		high, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return between{operand: left, low: low, high: high, negated: negated}, nil
	case tok.isKeyword("is"):
		p.advance()
		neg := false
		if p.peek().isKeyword("not") {
			p.advance()
			neg = true
		}
		if null := p.advance(); !null.isKeyword("null") {
			return nil, p.errorf(null, "expected NULL, got %s", null)
		}
		return isNull{operand: left, negated: neg}, nil
	}
	return left, nil
}

func (p *parser) parseLike(left node, negated bool) (node, error) {
	tok := p.peek()
	if tok.kind == tokString {
		p.advance()
		re, err := regexp.Compile(tok.text)
		if err != nil {
			return nil, p.errorf(tok, "invalid LIKE pattern: %v", err)
		}
		return like{operand: left, pattern: re, negated: negated}, nil
	}
	dynamic, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return like{operand: left, dynamic: dynamic, negated: negated}, nil
}

func (p *parser) parseIn(left node, negated bool) (node, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var list []node
	for {
		item, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		list = append(list, item)
		tok := p.advance()
		if tok.kind == tokRParen {
			break
		}
		if tok.kind != tokComma {
			return nil, p.errorf(tok, "expected ',' or ')', got %s", tok)
		}
	}
	return in{operand: left, list: list, negated: negated}, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = arithmetic{op: tok.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "*" && tok.text != "/" && tok.text != "%") {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = arithmetic{op: tok.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if tok := p.peek(); tok.kind == tokOp && tok.text == "-" {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negate{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %s", tok)
		}
		return literal{value: f}, nil
	case tokString:
		return literal{value: tok.text}, nil
	case tokPath:
		return path{segments: strings.Split(strings.TrimPrefix(tok.text, "/"), "/")}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		switch {
		case tok.isKeyword("true"):
			return literal{value: true}, nil
		case tok.isKeyword("false"):
			return literal{value: false}, nil
		case tok.isKeyword("null"):
			return literal{value: nil}, nil
		}
		return p.parseCall(tok)
	}
	return nil, p.errorf(tok, "unexpected %s", tok)
}

func (p *parser) parseCall(name token) (node, error) {
	fn := strings.ToUpper(name.text)
	arity, ok := functions[fn]
	if !ok {
		return nil, p.errorf(name, "unknown identifier %s", name)
	}
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(args) != arity {
		return nil, p.errorf(name, "%s takes %d argument(s), got %d", fn, arity, len(args))
	}
	return call{name: fn, args: args}, nil
}
