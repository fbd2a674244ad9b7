package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	liveview "github.com/shogotsuneto/go-simple-liveview"
	"github.com/shogotsuneto/go-simple-liveview/filter"
)

// column is one rendered field of a view.
type column struct {
	Header   string
	Field    string
	Currency bool
}

var currencyFields = map[string]bool{"bid": true, "ask": true, "price": true}

// renderView writes v as a table with its rows sorted by ordering. A nil
// columns renders every field found in the rows.
func renderView(w io.Writer, v liveview.View, ordering filter.Ordering, columns []column) {
	fmt.Fprintf(w, "%s  [%s]\n", v.Name, v.Status)
	if v.Filter != "" {
		fmt.Fprintf(w, "Filter: %s\n", v.Filter)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "Error in %s: %s\n", v.Name, v.Error)
	}
	if len(v.Rows) == 0 && v.State == liveview.StateSnapshotLoading {
		fmt.Fprintln(w, "Loading...")
		fmt.Fprintln(w)
		return
	}

	rows := sortRows(v.Rows, ordering)
	if columns == nil {
		columns = inferColumns(rows)
	}

	table := uitable.New()
	table.MaxColWidth = 30
	header := make([]interface{}, len(columns))
	for i, col := range columns {
		header[i] = col.Header
		if col.Currency {
			table.RightAlign(i)
		}
	}
	table.AddRow(header...)
	for _, row := range rows {
		cells := make([]interface{}, len(columns))
		for i, col := range columns {
			value, _ := row.Get(col.Field)
			cells[i] = formatCell(value, col.Currency)
		}
		table.AddRow(cells...)
	}
	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "%s rows\n\n", humanize.Comma(int64(len(rows))))
}

// sortRows returns a sorted copy of rows. Ties keep first-seen order.
func sortRows(rows []liveview.Row, ordering filter.Ordering) []liveview.Row {
	out := make([]liveview.Row, len(rows))
	copy(out, rows)
	if len(ordering) == 0 {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return ordering.Less(out[i], out[j])
	})
	return out
}

func inferColumns(rows []liveview.Row) []column {
	seen := make(map[string]bool)
	var names []string
	for _, row := range rows {
		for name := range row.Fields {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	columns := []column{{Header: "KEY", Field: "key"}}
	for _, name := range names {
		columns = append(columns, column{
			Header:   strings.ToUpper(name),
			Field:    name,
			Currency: currencyFields[name],
		})
	}
	return columns
}

// formatCell renders numbers with two decimals and thousands separators.
// Zero and missing values render empty.
func formatCell(value any, currency bool) string {
	if value == nil {
		return ""
	}
	f, ok := toFloat(value)
	if !ok {
		return fmt.Sprint(value)
	}
	if f == 0 {
		return ""
	}
	s := humanize.FormatFloat("#,###.##", f)
	if currency {
		return "$" + s
	}
	return s
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
