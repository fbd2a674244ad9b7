package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Match(t *testing.T) {
	aapl := Fields{"symbol": "AAPL", "bid": 101.5, "ask": 102.0}
	ibm := Fields{"symbol": "IBM", "bid": 99.0, "ask": 99.5, "venue": map[string]any{"name": "NYSE"}}

	tests := []struct {
		name   string
		filter string
		record Record
		want   bool
	}{
		{"empty matches everything", "", aapl, true},
		{"blank matches everything", "   ", ibm, true},
		{"length of symbol", "LENGTH(/symbol) = 3", ibm, true},
		{"length of symbol mismatch", "LENGTH(/symbol) = 3", aapl, false},
		{"numeric greater than", "/bid > 100", aapl, true},
		{"numeric greater than false", "/bid > 100", ibm, false},
		{"string equality", "/symbol = 'IBM'", ibm, true},
		{"double quoted string", `/symbol = "IBM"`, ibm, true},
		{"not equal", "/symbol <> 'IBM'", aapl, true},
		{"and", "/bid > 100 AND /ask < 103", aapl, true},
		{"or", "/bid > 200 OR /symbol = 'AAPL'", aapl, true},
		{"not", "NOT /bid > 100", aapl, false},
		{"parentheses", "(/bid > 200 OR /bid < 100) AND /symbol = 'IBM'", ibm, true},
		{"arithmetic spread", "/ask - /bid = 0.5", aapl, true},
		{"division", "/bid / 2 > 50", aapl, true},
		{"unary minus", "-/bid < 0", aapl, true},
		{"missing field is null", "/volume IS NULL", aapl, true},
		{"present field is not null", "/bid IS NOT NULL", aapl, true},
		{"missing field comparison is false", "/volume > 0", aapl, false},
		{"in list", "/symbol IN ('IBM', 'MSFT')", ibm, true},
		{"not in list", "/symbol NOT IN ('IBM', 'MSFT')", aapl, true},
		{"like regex", "/symbol LIKE '^A'", aapl, true},
		{"not like regex", "/symbol NOT LIKE '^A'", ibm, true},
		{"between", "/bid BETWEEN 99 AND 100", ibm, true},
		{"not between", "/bid NOT BETWEEN 99 AND 100", aapl, true},
		{"nested path", "/venue/name = 'NYSE'", ibm, true},
		{"upper", "UPPER('ibm') = /symbol", ibm, true},
		{"lower case keywords", "/bid > 100 and length(/symbol) = 4", aapl, true},
		{"numeric string compares numerically", "/bid = '101.5'", aapl, true},
		{"key field", "/key = 'AAPL'", keyed{"AAPL", aapl}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.Match(tt.record))
		})
	}
}

type keyed struct {
	key    string
	fields Fields
}

func (k keyed) Get(name string) (any, bool) {
	if name == "key" {
		return k.key, true
	}
	return k.fields.Get(name)
}

func TestParse_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name   string
		filter string
	}{
		{"dangling operator", "/bid >"},
		{"unterminated string", "/symbol = 'IBM"},
		{"unknown function", "FOO(/bid) = 1"},
		{"wrong arity", "LENGTH(/a, /b) = 1"},
		{"unbalanced parentheses", "(/bid > 1"},
		{"trailing tokens", "/bid > 1 /ask"},
		{"bad character", "/bid > 1 ; drop"},
		{"invalid regex", "/symbol LIKE '('"},
		{"bare identifier", "symbol = 'IBM'"},
		{"between without and", "/bid BETWEEN 1 OR 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.filter)
			require.Error(t, err)
			var syntaxErr *SyntaxError
			assert.True(t, errors.As(err, &syntaxErr), "expected *SyntaxError, got %T", err)
		})
	}
}

func TestNilExprMatches(t *testing.T) {
	var expr *Expr
	assert.True(t, expr.Match(Fields{}))
	assert.Equal(t, "", expr.String())
}

func TestParseOrderBy(t *testing.T) {
	ordering, err := ParseOrderBy("/bid DESC, /symbol")
	require.NoError(t, err)
	require.Len(t, ordering, 2)
	assert.Equal(t, []string{"bid"}, ordering[0].Path)
	assert.True(t, ordering[0].Descending)
	assert.False(t, ordering[1].Descending)
	assert.Equal(t, "/bid DESC, /symbol", ordering.String())

	empty, err := ParseOrderBy("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"bid DESC", "/bid SIDEWAYS", "/bid DESC extra", "/", "/a//b", ","} {
		_, err := ParseOrderBy(bad)
		assert.Error(t, err, bad)
	}
}

func TestOrdering_Compare(t *testing.T) {
	ordering, err := ParseOrderBy("/bid DESC, /symbol ASC")
	require.NoError(t, err)

	a := Fields{"symbol": "AAPL", "bid": 100.0}
	b := Fields{"symbol": "MSFT", "bid": 200.0}
	c := Fields{"symbol": "IBM", "bid": 100.0}
	missing := Fields{"symbol": "ZZZ"}

	assert.True(t, ordering.Less(b, a), "higher bid first")
	assert.True(t, ordering.Less(a, c), "ties broken by symbol")
	assert.True(t, ordering.Less(c, missing), "missing values last")
	assert.False(t, ordering.Less(missing, c))
	assert.Equal(t, 0, ordering.Compare(a, a))
}
