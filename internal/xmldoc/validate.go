package xmldoc

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/antchfx/xmlquery"
)

// ContentKind classifies an element content specification.
type ContentKind int

const (
	ContentEmpty ContentKind = iota
	ContentAny
	ContentMixed
	ContentChildren
)

// ElementDecl is a compiled ELEMENT declaration.
type ElementDecl struct {
	Name string
	Kind ContentKind
	Spec string
	// Allowed lists the child elements permitted in mixed content.
	Allowed map[string]bool

	// model matches the comma-terminated sequence of child names.
	model *regexp.Regexp
}

func compileContentModel(name, spec string) (*ElementDecl, error) {
	d := &ElementDecl{Name: name, Spec: spec}
	switch {
	case spec == "EMPTY":
		d.Kind = ContentEmpty
		return d, nil
	case spec == "ANY":
		d.Kind = ContentAny
		return d, nil
	case strings.Contains(spec, "#PCDATA"):
		d.Kind = ContentMixed
		d.Allowed = map[string]bool{}
		inner := strings.TrimSuffix(strings.TrimSpace(spec), "*")
		inner = strings.TrimSpace(inner)
		inner = strings.TrimSuffix(strings.TrimPrefix(inner, "("), ")")
		for _, part := range strings.Split(inner, "|") {
			part = strings.TrimSpace(part)
			if part != "" && part != "#PCDATA" {
				d.Allowed[part] = true
			}
		}
		return d, nil
	}

	p := &modelParser{toks: tokenizeModel(spec)}
	expr, err := p.particle()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("trailing tokens in content model %q", spec)
	}
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, fmt.Errorf("content model %q: %w", spec, err)
	}
	d.Kind = ContentChildren
	d.model = re
	return d, nil
}

func tokenizeModel(spec string) []string {
	var toks []string
	for i := 0; i < len(spec); {
		c := spec[i]
		switch {
		case isSpace(c):
			i++
		case strings.IndexByte("()|,?*+", c) >= 0:
			toks = append(toks, string(c))
			i++
		default:
			j := i
			for j < len(spec) && isNameByte(spec[j]) {
				j++
			}
			if j == i {
				j++
			}
			toks = append(toks, spec[i:j])
			i = j
		}
	}
	return toks
}

// modelParser turns a children content model into a regular expression over
// child names, each written as "name,".
type modelParser struct {
	toks []string
	pos  int
}

func (p *modelParser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *modelParser) particle() (string, error) {
	var expr string
	switch tok := p.peek(); {
	case tok == "(":
		p.pos++
		first, err := p.particle()
		if err != nil {
			return "", err
		}
		parts := []string{first}
		sep := ""
	group:
		for {
			switch t := p.peek(); t {
			case ")":
				p.pos++
				break group
			case "|", ",":
				if sep != "" && sep != t {
					return "", fmt.Errorf("mixed separators in content model group")
				}
				sep = t
				p.pos++
				next, err := p.particle()
				if err != nil {
					return "", err
				}
				parts = append(parts, next)
			default:
				return "", fmt.Errorf("unexpected token %q in content model", t)
			}
		}
		if sep == "|" {
			expr = "(?:" + strings.Join(parts, "|") + ")"
		} else {
			expr = "(?:" + strings.Join(parts, "") + ")"
		}
	case tok != "" && isNameByte(tok[0]):
		p.pos++
		expr = "(?:" + regexp.QuoteMeta(tok) + ",)"
	default:
		return "", fmt.Errorf("unexpected token %q in content model", tok)
	}

	switch p.peek() {
	case "?", "*", "+":
		expr += p.peek()
		p.pos++
	}
	return expr, nil
}

// Validate checks doc against the declarations in d. root is the name given
// by the DOCTYPE declaration and must match the document element.
func (d *DTD) Validate(doc *xmlquery.Node, root string) error {
	var top *xmlquery.Node
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			top = c
			break
		}
	}
	if top == nil {
		return fmt.Errorf("no document element")
	}
	if name := qualifiedName(top); name != root {
		return fmt.Errorf("root element %s does not match DOCTYPE %s", name, root)
	}
	return d.validateElement(top)
}

func (d *DTD) validateElement(n *xmlquery.Node) error {
	name := qualifiedName(n)
	decl, ok := d.Elements[name]
	if !ok {
		return fmt.Errorf("no declaration for element %s", name)
	}
	if err := d.validateAttrs(n, name); err != nil {
		return err
	}

	var seq strings.Builder
	text := false
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case xmlquery.ElementNode:
			seq.WriteString(qualifiedName(c))
			seq.WriteByte(',')
		case xmlquery.TextNode, xmlquery.CharDataNode:
			if strings.TrimSpace(c.Data) != "" {
				text = true
			}
		}
	}

	switch decl.Kind {
	case ContentEmpty:
		if n.FirstChild != nil {
			return fmt.Errorf("element %s is declared EMPTY but has content", name)
		}
	case ContentMixed:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == xmlquery.ElementNode && !decl.Allowed[qualifiedName(c)] {
				return fmt.Errorf("element %s is not allowed in %s", qualifiedName(c), name)
			}
		}
	case ContentChildren:
		if text {
			return fmt.Errorf("element %s may not contain text", name)
		}
		if !decl.model.MatchString(seq.String()) {
			return fmt.Errorf("element %s content does not follow the DTD, expecting %s, got (%s)",
				name, decl.Spec, strings.ReplaceAll(strings.TrimSuffix(seq.String(), ","), ",", " "))
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			if err := d.validateElement(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *DTD) validateAttrs(n *xmlquery.Node, elem string) error {
	decls := d.Attlists[elem]
	present := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		name := a.Name.Local
		if a.Name.Space != "" {
			name = a.Name.Space + ":" + a.Name.Local
		}
		if name == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		present[name] = a.Value
		decl, ok := findAttr(decls, name)
		if !ok {
			return fmt.Errorf("no declaration for attribute %s of element %s", name, elem)
		}
		switch {
		case len(decl.Values) > 0 && !slices.Contains(decl.Values, a.Value):
			return fmt.Errorf("value %q for attribute %s of %s is not among the enumerated set", a.Value, name, elem)
		case decl.Default == "#FIXED" && a.Value != decl.Value:
			return fmt.Errorf("value for attribute %s of %s is different from default %q", name, elem, decl.Value)
		}
	}
	for _, decl := range decls {
		if decl.Default != "#REQUIRED" {
			continue
		}
		if _, ok := present[decl.Name]; !ok {
			return fmt.Errorf("element %s does not carry attribute %s", elem, decl.Name)
		}
	}
	return nil
}

func findAttr(list []AttrDecl, name string) (AttrDecl, bool) {
	for _, a := range list {
		if a.Name == name {
			return a, true
		}
	}
	return AttrDecl{}, false
}

func qualifiedName(n *xmlquery.Node) string {
	if n.Prefix != "" {
		return n.Prefix + ":" + n.Data
	}
	return n.Data
}
