package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Table buffers rows and renders column-aligned output on Flush. An empty
// table renders nothing, so callers can build one unconditionally and only
// produce output when there is data.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	prefix  string
}

// NewTable creates a table writing to stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, headers...)
}

// NewTableTo creates a table writing to w. Used by tests and by commands
// that render into a buffer.
func NewTableTo(w io.Writer, headers ...string) *Table {
	return &Table{out: w, headers: headers}
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row appends one row. Missing cells render empty; extra cells are kept.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Len reports the number of buffered rows.
func (t *Table) Len() int { return len(t.rows) }

// Flush renders headers, a dash divider, and all buffered rows. A table
// with no rows produces no output.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}
	w := tabwriter.NewWriter(t.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, t.prefix+strings.Join(t.headers, "\t"))
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, t.prefix+strings.Join(dividers, "\t"))
	for _, row := range t.rows {
		fmt.Fprintln(w, t.prefix+strings.Join(row, "\t"))
	}
	w.Flush()
}
