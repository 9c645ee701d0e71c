// Package table holds the relational output model shared by the extractor,
// the orchestrator and every sink: rows, per-document and per-file table
// sets, and the static column layout.
package table

import "sort"

// IDColumn is the synthetic primary key column present on every table.
const IDColumn = "id"

// Row maps a field name to its extracted value. Values are strings, or nil
// for an explicit null (an enum lookup that missed).
type Row map[string]any

// Tables maps a table name to its rows in emission order.
type Tables map[string][]Row

// Add appends r to the named table.
func (t Tables) Add(name string, r Row) {
	t[name] = append(t[name], r)
}

// Merge appends every row of other to t.
//
// Merge is purely additive: calling it once per document result yields an
// aggregate whose per-table row counts are the sum of the inputs. Callers must
// merge each result exactly once.
func (t Tables) Merge(other Tables) {
	for name, rows := range other {
		if len(rows) == 0 {
			continue
		}
		t[name] = append(t[name], rows...)
	}
}

// Len returns the total number of rows across all tables.
func (t Tables) Len() int {
	n := 0
	for _, rows := range t {
		n += len(rows)
	}
	return n
}

// Names returns the table names in lexical order.
func (t Tables) Names() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of rows per table.
func (t Tables) Counts() map[string]int {
	out := make(map[string]int, len(t))
	for name, rows := range t {
		out[name] = len(rows)
	}
	return out
}

// LastByID collapses rows sharing an id so that each id appears once.
//
// The surviving row is the last one seen for that id (upsert semantics) and it
// takes the position of the first occurrence. Rows without an id are kept as is.
func LastByID(rows []Row) []Row {
	pos := make(map[any]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		id, ok := r[IDColumn]
		if !ok || id == nil {
			out = append(out, r)
			continue
		}
		if i, seen := pos[id]; seen {
			out[i] = r
			continue
		}
		pos[id] = len(out)
		out = append(out, r)
	}
	return out
}
