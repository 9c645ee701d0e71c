// Package mapping compiles a YAML mapping configuration into a tree of typed
// rules with precompiled XPath selectors.
//
// The configuration is a mapping from selector to rule. A rule is one of:
//
//	fieldname                       plain field (exactly one matched node)
//	{<fieldname>: f, <joiner>: s}   all matched texts joined by s
//	{<fieldname>: f, <enum_map>: m} single text looked up in m
//	{<fieldname>: f, <enum_type>: v} constant v for every matched node
//	{<entity>: e, ...}              one row in table e per matched node
//	[rule, rule, ...]               every rule applied to the same nodes
//
// Key order is significant: it drives column order in the output.
package mapping

import "github.com/antchfx/xpath"

// Reserved configuration keys.
const (
	KeyEntity        = "<entity>"
	KeyPrimaryKey    = "<primary_key>"
	KeyFilenameField = "<filename_field>"
	KeyFields        = "<fields>"
	KeyFieldname     = "<fieldname>"
	KeyJoiner        = "<joiner>"
	KeyEnumMap       = "<enum_map>"
	KeyEnumType      = "<enum_type>"

	// DirectiveRoot names the document type to extract.
	DirectiveRoot = "xml_root"
)

// Rule is one compiled mapping rule. The concrete types are Field, Join,
// EnumLookup, EnumConst, *Entity and FanOut.
type Rule interface {
	rule()
}

// Field writes the text of exactly one matched node into a column.
type Field struct {
	Name string
	// Type is an optional column type hint ("grant_date:DATE").
	Type string
}

// Join writes the texts of all matched nodes joined by Separator.
type Join struct {
	Field
	Separator string
}

// EnumLookup writes Values[text] for the first matched node. A nil value, or
// a text missing from Values, yields a null column.
type EnumLookup struct {
	Field
	Values map[string]*string
}

// EnumConst writes Value once per matched node.
type EnumConst struct {
	Field
	Value string
}

// Entity emits one row into table Name per matched node.
type Entity struct {
	Name string
	// PrimaryKey is evaluated relative to the matched node. Nil means the
	// key is synthesized from the parent key and a per-parent counter.
	PrimaryKey *Selector
	// FilenameField, when set, receives the source file name.
	FilenameField string
	Fields        []Binding
}

// FanOut applies every rule to the same matched nodes.
type FanOut []Rule

func (Field) rule()      {}
func (Join) rule()       {}
func (EnumLookup) rule() {}
func (EnumConst) rule()  {}
func (*Entity) rule()    {}
func (FanOut) rule()     {}

// Selector is a compiled relative XPath expression.
type Selector struct {
	// Path is the selector as written in the configuration.
	Path string
	Expr *xpath.Expr
}

func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.Path
}

// Binding pairs a selector with the rule applied to its matches.
type Binding struct {
	Selector *Selector
	Rule     Rule
}

// Mapping is a compiled configuration.
type Mapping struct {
	// Root is the document type (DOCTYPE and root element name) to extract.
	Root string
	// RootDefaulted is set when Root was taken from the first top-level key
	// because no xml_root directive was given.
	RootDefaulted bool
	Bindings      []Binding
}

// FirstEntity returns the first top-level entity, looking into fan-outs.
func (m *Mapping) FirstEntity() *Entity {
	for _, b := range m.Bindings {
		if e := firstEntity(b.Rule); e != nil {
			return e
		}
	}
	return nil
}

// FirstEntityBinding returns the top-level binding holding FirstEntity.
func (m *Mapping) FirstEntityBinding() (Binding, *Entity) {
	for _, b := range m.Bindings {
		if e := firstEntity(b.Rule); e != nil {
			return b, e
		}
	}
	return Binding{}, nil
}

func firstEntity(r Rule) *Entity {
	switch v := r.(type) {
	case *Entity:
		return v
	case FanOut:
		for _, sub := range v {
			if e := firstEntity(sub); e != nil {
				return e
			}
		}
	}
	return nil
}
