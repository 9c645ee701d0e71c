// Package extract applies a compiled mapping to a parsed document and
// produces relational rows.
package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"

	"patentetl/internal/mapping"
	"patentetl/internal/table"
)

// CardinalityError reports a selector that matched a number of nodes its
// rule cannot accept: several nodes for a plain field or enum lookup, or
// anything but one node for a primary key.
type CardinalityError struct {
	Path  string
	Count int
	Texts []string
	// PrimaryKey is set when the selector was an entity's primary key.
	PrimaryKey bool
}

func (e *CardinalityError) Error() string {
	var b strings.Builder
	if e.PrimaryKey {
		fmt.Fprintf(&b, "primary key %s matched %d nodes, expected exactly one", e.Path, e.Count)
	} else {
		fmt.Fprintf(&b, "multiple elements (%d) found for %s; should the mapping use a joiner or a new entity definition?", e.Count, e.Path)
	}
	if len(e.Texts) > 0 {
		b.WriteString("\n")
		for _, t := range e.Texts {
			b.WriteString("\n- ")
			b.WriteString(t)
		}
	}
	return b.String()
}

// Source identifies the document being extracted.
type Source struct {
	// File is the display name of the archive, written to filename fields.
	File string
	// Line is the 0-based start line of the document in the archive.
	Line int
}

// Locator renders "file:line". It keys synthetic ids of top-level entities
// that have no primary key.
func (s Source) Locator() string {
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// Extract walks doc with m and returns the rows it produces.
//
// Extraction of one document is independent of every other: synthetic key
// counters start fresh, so results can be computed in parallel and merged.
// A *mapping.SchemaError means the mapping itself is broken; any other error
// concerns this document only.
func Extract(doc *xmlquery.Node, m *mapping.Mapping, src Source) (table.Tables, error) {
	x := &extractor{
		src:      src,
		tables:   table.Tables{},
		counters: map[counterKey]int{},
	}
	for _, b := range m.Bindings {
		nodes := selectNodes(doc, b.Selector)
		if err := x.apply(b.Selector.Path, b.Rule, nodes, nil, scope{}); err != nil {
			return nil, err
		}
	}
	return x.tables, nil
}

// scope is the entity a rule is applied under.
type scope struct {
	entity string
	key    string
}

type counterKey struct {
	entity string
	parent string
}

type extractor struct {
	src      Source
	tables   table.Tables
	counters map[counterKey]int
}

func (x *extractor) apply(path string, rule mapping.Rule, nodes []*xmlquery.Node, row table.Row, parent scope) error {
	switch r := rule.(type) {
	case *mapping.Entity:
		return x.entity(r, nodes, parent)

	case mapping.FanOut:
		for _, sub := range r {
			if err := x.apply(path, sub, nodes, row, parent); err != nil {
				return err
			}
		}
		return nil
	}

	if row == nil {
		return &mapping.SchemaError{Path: path, Msg: "field rule outside of an entity"}
	}

	switch r := rule.(type) {
	case mapping.Field:
		if len(nodes) == 0 {
			return nil
		}
		if len(nodes) > 1 {
			return cardinality(path, nodes, false)
		}
		row[r.Name] = Text(nodes[0])

	case mapping.Join:
		if len(nodes) == 0 {
			return nil
		}
		texts := make([]string, len(nodes))
		for i, n := range nodes {
			texts[i] = Text(n)
		}
		row[r.Name] = strings.Join(texts, r.Separator)

	case mapping.EnumLookup:
		if len(nodes) == 0 {
			return nil
		}
		// Only the first match is looked up; extra matches are ignored.
		if v := r.Values[Text(nodes[0])]; v != nil {
			row[r.Name] = *v
		} else {
			row[r.Name] = nil
		}

	case mapping.EnumConst:
		if len(nodes) > 0 {
			row[r.Name] = r.Value
		}

	default:
		return &mapping.SchemaError{Path: path, Msg: fmt.Sprintf("unsupported rule %T", rule)}
	}
	return nil
}

func (x *extractor) entity(e *mapping.Entity, nodes []*xmlquery.Node, parent scope) error {
	for _, n := range nodes {
		id, err := x.recordKey(e, n, parent)
		if err != nil {
			return err
		}

		row := table.Row{table.IDColumn: id}
		if parent.entity != "" {
			row[parent.entity+"_id"] = parent.key
		}
		if e.FilenameField != "" {
			row[e.FilenameField] = x.src.File
		}

		child := scope{entity: e.Name, key: id}
		for _, b := range e.Fields {
			if err := x.apply(b.Selector.Path, b.Rule, selectNodes(n, b.Selector), row, child); err != nil {
				return err
			}
		}
		x.tables.Add(e.Name, row)
	}
	return nil
}

// recordKey returns the natural key of n, or a synthetic key of the form
// "<parent key>_<n>" where n is the zero-based count of earlier synthetic
// records of e under the same parent.
func (x *extractor) recordKey(e *mapping.Entity, n *xmlquery.Node, parent scope) (string, error) {
	if e.PrimaryKey != nil {
		matches := selectNodes(n, e.PrimaryKey)
		if len(matches) != 1 {
			return "", cardinality(e.PrimaryKey.Path, matches, true)
		}
		if key := Text(matches[0]); key != "" {
			return key, nil
		}
	}

	parentKey := parent.key
	if parent.entity == "" {
		parentKey = x.src.Locator()
	}
	ck := counterKey{entity: e.Name, parent: parentKey}
	seq := x.counters[ck]
	x.counters[ck]++
	return fmt.Sprintf("%s_%d", parentKey, seq), nil
}

func cardinality(path string, nodes []*xmlquery.Node, pk bool) error {
	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = Text(n)
	}
	return &CardinalityError{Path: path, Count: len(nodes), Texts: texts, PrimaryKey: pk}
}

func selectNodes(n *xmlquery.Node, sel *mapping.Selector) []*xmlquery.Node {
	return xmlquery.QuerySelectorAll(n, sel.Expr)
}

// Text returns the whitespace-normalized text content of n: runs of
// whitespace collapse to one space and the ends are trimmed.
func Text(n *xmlquery.Node) string {
	return strings.Join(strings.Fields(rawText(n)), " ")
}

func rawText(n *xmlquery.Node) string {
	if n.Type == xmlquery.AttributeNode {
		if s := n.InnerText(); s != "" {
			return s
		}
		if n.Parent != nil {
			for _, a := range n.Parent.Attr {
				if a.Name.Local == n.Data && a.Name.Space == n.Prefix {
					return a.Value
				}
			}
		}
		return ""
	}
	return n.InnerText()
}

// DiagnosticKey makes a best-effort attempt to name the record a failed
// document was about, by evaluating the first top-level entity's primary key.
// It returns "" when that is not possible.
func DiagnosticKey(doc *xmlquery.Node, m *mapping.Mapping) string {
	b, e := m.FirstEntityBinding()
	if e == nil || e.PrimaryKey == nil || doc == nil {
		return ""
	}
	nodes := selectNodes(doc, b.Selector)
	if len(nodes) == 0 {
		return ""
	}
	matches := selectNodes(nodes[0], e.PrimaryKey)
	if len(matches) != 1 {
		return ""
	}
	return Text(matches[0])
}

// IsSchemaError reports whether err means the mapping itself is unusable.
func IsSchemaError(err error) bool {
	var se *mapping.SchemaError
	return errors.As(err, &se)
}
