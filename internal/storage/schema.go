package storage

import (
	"fmt"
	"strings"

	"patentetl/internal/table"
)

// TableSpec is one table of a flush, projected onto the static layout.
type TableSpec struct {
	Name    string
	Columns []table.Column
	// Rows are aligned with Columns. Missing fields are nil.
	Rows [][]any
}

// ColumnNames returns the column names in layout order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// HasID reports whether the table carries the id column, which database
// backends use as primary key and upsert target.
func (t TableSpec) HasID() bool {
	for _, c := range t.Columns {
		if c.Name == table.IDColumn {
			return true
		}
	}
	return false
}

// Plan projects tables onto layout, in layout order, skipping empty tables.
// With upsert set, rows sharing an id collapse to the last one, so a single
// statement never touches the same key twice.
//
// A table or field missing from layout is an error: the layout is derived from
// the same mapping as the rows, so a mismatch means a programming error.
func Plan(tables table.Tables, layout *table.Layout, upsert bool) ([]TableSpec, error) {
	for _, name := range tables.Names() {
		if !layout.Has(name) {
			return nil, fmt.Errorf("storage: table %q is not in the layout", name)
		}
	}

	var out []TableSpec
	for _, name := range layout.Tables() {
		rows := tables[name]
		if len(rows) == 0 {
			continue
		}
		if upsert {
			rows = table.LastByID(rows)
		}
		known := map[string]bool{}
		for _, c := range layout.FieldNames(name) {
			known[c] = true
		}
		spec := TableSpec{Name: name, Columns: layout.Columns(name), Rows: make([][]any, 0, len(rows))}
		for _, r := range rows {
			for k := range r {
				if !known[k] {
					return nil, fmt.Errorf("storage: field %s.%s is not in the layout", name, k)
				}
			}
			spec.Rows = append(spec.Rows, layout.Values(name, r))
		}
		out = append(out, spec)
	}
	return out, nil
}

// ChunkRows splits rows into batches that keep width*len(batch) at or below
// maxParams, the bind-parameter limit of the target database.
func ChunkRows(rows [][]any, width, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := 1
	if width > 0 && maxParams > width {
		per = maxParams / width
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for len(rows) > 0 {
		n := min(per, len(rows))
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

// SQLType maps a column type hint to a backend type, falling back to def
// when the hint is empty. Hints are passed through upper-cased, so "date"
// and "DATE" are the same.
func SQLType(c table.Column, def string) string {
	if t := strings.TrimSpace(c.Type); t != "" {
		return strings.ToUpper(t)
	}
	return def
}
