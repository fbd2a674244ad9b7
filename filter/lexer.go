package filter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPath
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("'%s'", t.text)
}

// isKeyword reports whether t is the identifier kw, case-insensitively.
func (t token) isKeyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

type lexer struct {
	input  string
	pos    int
	tokens []token
}

func lex(input string) ([]token, error) {
	l := &lexer{input: input}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, tok)
		if tok.kind == tokEOF {
			return l.tokens, nil
		}
	}
}

// operand reports whether the previous token ends an operand, in which case a
// following '/' is division rather than the start of a path.
func (l *lexer) operand() bool {
	if len(l.tokens) == 0 {
		return false
	}
	switch l.tokens[len(l.tokens)-1].kind {
	case tokNumber, tokString, tokPath, tokRParen:
		return true
	case tokIdent:
		last := l.tokens[len(l.tokens)-1]
		return last.isKeyword("true") || last.isKeyword("false") || last.isKeyword("null")
	default:
		return false
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) {
		r, size := utf8.DecodeRuneInString(l.input[l.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		l.pos += size
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1]):
		return l.lexNumber(), nil
	case c == '/' && !l.operand() && l.pos+1 < len(l.input) && isIdentStart(rune(l.input[l.pos+1])):
		return l.lexPath(), nil
	case isIdentStart(rune(c)):
		for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil
	}

	for _, op := range []string{"<=", ">=", "<>", "!=", "==", "=", "<", ">", "+", "-", "*", "/", "%"} {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokOp, text: op, pos: start}, nil
		}
	}
	return token{}, &SyntaxError{Input: l.input, Pos: start, Msg: fmt.Sprintf("unexpected character '%c'", c)}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == quote {
			// a doubled quote is an escaped quote
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == quote {
				b.WriteByte(quote)
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		}
		b.WriteByte(c)
		l.pos++
	}
	return token{}, &SyntaxError{Input: l.input, Pos: start, Msg: "unterminated string"}
}

func (l *lexer) lexNumber() token {
	start := l.pos
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
		l.pos++
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		save := l.pos
		l.pos++
		if l.pos < len(l.input) && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
		} else {
			l.pos = save
		}
	}
	return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}
}

func (l *lexer) lexPath() token {
	start := l.pos
	for l.pos < len(l.input) && l.input[l.pos] == '/' &&
		l.pos+1 < len(l.input) && isIdentStart(rune(l.input[l.pos+1])) {
		l.pos++
		for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
			l.pos++
		}
	}
	return token{kind: tokPath, text: l.input[start:l.pos], pos: start}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || r < utf8.RuneSelf && unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || r < utf8.RuneSelf && unicode.IsDigit(r)
}
