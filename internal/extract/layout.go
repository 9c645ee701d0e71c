package extract

import (
	"patentetl/internal/mapping"
	"patentetl/internal/table"
)

// Layout derives the tables and columns m can produce, without looking at
// any document. Every table starts with id, then the parent link for nested
// entities, then the filename field, then fields in mapping order.
func Layout(m *mapping.Mapping) *table.Layout {
	l := table.NewLayout()
	for _, b := range m.Bindings {
		addColumns(l, b.Rule, nil, "")
	}
	return l
}

func addColumns(l *table.Layout, rule mapping.Rule, cols *[]table.Column, parent string) {
	switch r := rule.(type) {
	case *mapping.Entity:
		// Register the table before its children so parents list first.
		l.Add(r.Name)
		own := []table.Column{{Name: table.IDColumn}}
		if parent != "" {
			own = append(own, table.Column{Name: parent + "_id"})
		}
		if r.FilenameField != "" {
			own = append(own, table.Column{Name: r.FilenameField})
		}
		for _, b := range r.Fields {
			addColumns(l, b.Rule, &own, r.Name)
		}
		l.Add(r.Name, own...)

	case mapping.FanOut:
		for _, sub := range r {
			addColumns(l, sub, cols, parent)
		}

	case mapping.Field:
		appendColumn(cols, r)
	case mapping.Join:
		appendColumn(cols, r.Field)
	case mapping.EnumLookup:
		appendColumn(cols, r.Field)
	case mapping.EnumConst:
		appendColumn(cols, r.Field)
	}
}

func appendColumn(cols *[]table.Column, f mapping.Field) {
	if cols == nil {
		return
	}
	*cols = append(*cols, table.Column{Name: f.Name, Type: f.Type})
}
