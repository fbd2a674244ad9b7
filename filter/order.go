package filter

import (
	"strings"
)

// SortKey is one term of an orderBy expression.
type SortKey struct {
	Path       []string
	Descending bool
}

// Ordering is a parsed orderBy expression. An empty Ordering keeps records in
// their natural order.
type Ordering []SortKey

// ParseOrderBy parses expressions like "/bid DESC, /symbol".
func ParseOrderBy(input string) (Ordering, error) {
	var ordering Ordering
	if strings.TrimSpace(input) == "" {
		return ordering, nil
	}

	offset := 0
	for _, term := range strings.Split(input, ",") {
		pos := offset + len(term) - len(strings.TrimLeft(term, " \t"))
		offset += len(term) + 1

		fields := strings.Fields(term)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, &SyntaxError{Input: input, Pos: pos, Msg: "expected '/field [ASC|DESC]'"}
		}
		p := fields[0]
		if !strings.HasPrefix(p, "/") || len(p) < 2 {
			return nil, &SyntaxError{Input: input, Pos: pos, Msg: "sort field must be a path like '/bid'"}
		}
		key := SortKey{Path: strings.Split(p[1:], "/")}
		for _, seg := range key.Path {
			if seg == "" {
				return nil, &SyntaxError{Input: input, Pos: pos, Msg: "empty path segment"}
			}
		}
		if len(fields) == 2 {
			switch strings.ToUpper(fields[1]) {
			case "ASC":
			case "DESC":
				key.Descending = true
			default:
				return nil, &SyntaxError{Input: input, Pos: pos, Msg: "expected ASC or DESC, got '" + fields[1] + "'"}
			}
		}
		ordering = append(ordering, key)
	}
	return ordering, nil
}

// Compare orders a and b. Missing values sort after present ones regardless
// of direction.
func (o Ordering) Compare(a, b Record) int {
	for _, key := range o {
		p := path{segments: key.Path}
		av, bv := p.eval(a), p.eval(b)
		switch {
		case av == nil && bv == nil:
			continue
		case av == nil:
			return 1
		case bv == nil:
			return -1
		}
		c, ok := compare(av, bv)
		if !ok || c == 0 {
			continue
		}
		if key.Descending {
			return -c
		}
		return c
	}
	return 0
}

// Less reports whether a sorts before b.
func (o Ordering) Less(a, b Record) bool {
	return o.Compare(a, b) < 0
}

func (o Ordering) String() string {
	terms := make([]string, len(o))
	for i, key := range o {
		terms[i] = "/" + strings.Join(key.Path, "/")
		if key.Descending {
			terms[i] += " DESC"
		}
	}
	return strings.Join(terms, ", ")
}
