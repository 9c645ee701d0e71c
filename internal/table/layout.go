package table

// Column is one output column. Type is an optional storage type hint taken
// from a "name:TYPE" field declaration; empty means the sink default.
type Column struct {
	Name string
	Type string
}

// Layout is the static table/column structure derived from a mapping before
// any document is processed. Tables and columns keep declaration order.
//
// A Layout is built once and then only read, so it is safe to share between
// goroutines after construction.
type Layout struct {
	order   []string
	columns map[string][]Column
	index   map[string]map[string]int
}

// NewLayout returns an empty layout.
func NewLayout() *Layout {
	return &Layout{
		columns: make(map[string][]Column),
		index:   make(map[string]map[string]int),
	}
}

// Add registers tbl (if new) and appends the given columns to it. A column
// already present keeps its original position; an empty type hint never
// overwrites a non-empty one.
func (l *Layout) Add(tbl string, cols ...Column) {
	idx, ok := l.index[tbl]
	if !ok {
		idx = make(map[string]int)
		l.index[tbl] = idx
		l.order = append(l.order, tbl)
	}
	for _, c := range cols {
		if i, seen := idx[c.Name]; seen {
			if l.columns[tbl][i].Type == "" && c.Type != "" {
				l.columns[tbl][i].Type = c.Type
			}
			continue
		}
		idx[c.Name] = len(l.columns[tbl])
		l.columns[tbl] = append(l.columns[tbl], c)
	}
}

// Tables returns the table names in declaration order.
func (l *Layout) Tables() []string {
	return append([]string(nil), l.order...)
}

// Has reports whether tbl is part of the layout.
func (l *Layout) Has(tbl string) bool {
	_, ok := l.index[tbl]
	return ok
}

// Columns returns the columns of tbl in declaration order.
func (l *Layout) Columns(tbl string) []Column {
	return append([]Column(nil), l.columns[tbl]...)
}

// FieldNames returns the column names of tbl in declaration order.
func (l *Layout) FieldNames(tbl string) []string {
	cols := l.columns[tbl]
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Values projects r onto the column order of tbl. Missing fields become nil.
func (l *Layout) Values(tbl string, r Row) []any {
	cols := l.columns[tbl]
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = r[c.Name]
	}
	return out
}
