package mapping

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/antchfx/xpath"
	"gopkg.in/yaml.v3"
)

// SchemaError reports an invalid mapping definition. It is never recoverable:
// a broken mapping would fail every document the same way.
type SchemaError struct {
	// Path is the chain of configuration keys leading to the bad rule.
	Path string
	// Line is the 1-based YAML line, or 0 when unknown.
	Line int
	Msg  string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("mapping")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

// Load reads and compiles a mapping configuration file.
func Load(path string) (*Mapping, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return Parse(b)
}

// Parse compiles a YAML mapping configuration.
func Parse(data []byte) (*Mapping, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, &SchemaError{Msg: fmt.Sprintf("parse yaml: %v", err)}
	}
	return Compile(&doc)
}

// Compile builds a Mapping from a decoded YAML node.
func Compile(node *yaml.Node) (*Mapping, error) {
	node = deref(node)
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, &SchemaError{Msg: "empty configuration"}
		}
		node = deref(node.Content[0])
	}
	if node.Kind != yaml.MappingNode {
		return nil, &SchemaError{Line: node.Line, Msg: "configuration must be a mapping of selectors to rules"}
	}

	m := &Mapping{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := deref(node.Content[i]), deref(node.Content[i+1])
		key, err := scalarString(k, "")
		if err != nil {
			return nil, err
		}
		switch {
		case key == DirectiveRoot:
			root, err := scalarString(v, key)
			if err != nil {
				return nil, err
			}
			m.Root = strings.TrimSpace(root)
			continue
		case strings.HasPrefix(key, "<"):
			continue
		}

		sel, err := compileSelector(key, k.Line)
		if err != nil {
			return nil, err
		}
		r, err := compileRule(v, key)
		if err != nil {
			return nil, err
		}
		if err := checkTopLevel(r, key, v.Line); err != nil {
			return nil, err
		}
		m.Bindings = append(m.Bindings, Binding{Selector: sel, Rule: r})
	}

	if len(m.Bindings) == 0 {
		return nil, &SchemaError{Line: node.Line, Msg: "no mapping rules"}
	}
	if m.Root == "" {
		m.Root = m.Bindings[0].Selector.Path
		m.RootDefaulted = true
	}
	return m, nil
}

func compileRule(n *yaml.Node, path string) (Rule, error) {
	n = deref(n)
	switch n.Kind {
	case yaml.ScalarNode:
		name, err := scalarString(n, path)
		if err != nil {
			return nil, err
		}
		return parseField(name, path, n.Line)

	case yaml.SequenceNode:
		if len(n.Content) == 0 {
			return nil, &SchemaError{Path: path, Line: n.Line, Msg: "empty rule list"}
		}
		out := make(FanOut, 0, len(n.Content))
		for i, item := range n.Content {
			r, err := compileRule(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil

	case yaml.MappingNode:
		keys, err := mappingKeys(n, path)
		if err != nil {
			return nil, err
		}
		if _, ok := keys[KeyEntity]; ok {
			return compileEntity(n, keys, path)
		}
		if _, ok := keys[KeyFieldname]; ok {
			return compileFieldConfig(n, keys, path)
		}
		return nil, &SchemaError{Path: path, Line: n.Line, Msg: fmt.Sprintf("unrecognized configuration: need %s or %s", KeyEntity, KeyFieldname)}
	}

	return nil, &SchemaError{Path: path, Line: n.Line, Msg: "rule must be a field name, a list or a mapping"}
}

func compileEntity(n *yaml.Node, keys map[string]*yaml.Node, path string) (Rule, error) {
	for k := range keys {
		switch k {
		case KeyEntity, KeyPrimaryKey, KeyFilenameField, KeyFields:
		default:
			return nil, &SchemaError{Path: path, Line: keys[k].Line, Msg: fmt.Sprintf("unexpected key %q in entity", k)}
		}
	}

	name, err := scalarString(keys[KeyEntity], path+"/"+KeyEntity)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &SchemaError{Path: path, Line: n.Line, Msg: "entity name is empty"}
	}
	e := &Entity{Name: name}

	if pk, ok := keys[KeyPrimaryKey]; ok && !isNull(pk) {
		expr, err := scalarString(pk, path+"/"+KeyPrimaryKey)
		if err != nil {
			return nil, err
		}
		if e.PrimaryKey, err = compileSelector(expr, pk.Line); err != nil {
			return nil, err
		}
	}

	if fn, ok := keys[KeyFilenameField]; ok && !isNull(fn) {
		if e.FilenameField, err = scalarString(fn, path+"/"+KeyFilenameField); err != nil {
			return nil, err
		}
	}

	fields, ok := keys[KeyFields]
	if !ok || isNull(fields) {
		return e, nil
	}
	if fields.Kind != yaml.MappingNode {
		return nil, &SchemaError{Path: path + "/" + KeyFields, Line: fields.Line, Msg: "fields must be a mapping of selectors to rules"}
	}
	for i := 0; i+1 < len(fields.Content); i += 2 {
		k, v := deref(fields.Content[i]), fields.Content[i+1]
		sub, err := scalarString(k, path)
		if err != nil {
			return nil, err
		}
		sel, err := compileSelector(sub, k.Line)
		if err != nil {
			return nil, err
		}
		r, err := compileRule(v, path+"/"+sub)
		if err != nil {
			return nil, err
		}
		e.Fields = append(e.Fields, Binding{Selector: sel, Rule: r})
	}
	return e, nil
}

func compileFieldConfig(n *yaml.Node, keys map[string]*yaml.Node, path string) (Rule, error) {
	var kinds []string
	for k := range keys {
		switch k {
		case KeyFieldname:
		case KeyJoiner, KeyEnumMap, KeyEnumType:
			kinds = append(kinds, k)
		default:
			return nil, &SchemaError{Path: path, Line: keys[k].Line, Msg: fmt.Sprintf("unexpected key %q in field configuration", k)}
		}
	}
	if len(kinds) > 1 {
		return nil, &SchemaError{Path: path, Line: n.Line, Msg: fmt.Sprintf("field configuration mixes %s", strings.Join(sortedCopy(kinds), " and "))}
	}

	name, err := scalarString(keys[KeyFieldname], path+"/"+KeyFieldname)
	if err != nil {
		return nil, err
	}
	f, err := parseField(name, path, keys[KeyFieldname].Line)
	if err != nil {
		return nil, err
	}

	if j, ok := keys[KeyJoiner]; ok {
		sep := ""
		if !isNull(j) {
			if sep, err = scalarString(j, path+"/"+KeyJoiner); err != nil {
				return nil, err
			}
		}
		return Join{Field: f, Separator: sep}, nil
	}

	if em, ok := keys[KeyEnumMap]; ok {
		if em.Kind != yaml.MappingNode {
			return nil, &SchemaError{Path: path + "/" + KeyEnumMap, Line: em.Line, Msg: "enum map must be a mapping"}
		}
		values := make(map[string]*string, len(em.Content)/2)
		for i := 0; i+1 < len(em.Content); i += 2 {
			k, v := deref(em.Content[i]), deref(em.Content[i+1])
			if k.Kind != yaml.ScalarNode {
				return nil, &SchemaError{Path: path + "/" + KeyEnumMap, Line: k.Line, Msg: "enum map keys must be scalars"}
			}
			if isNull(v) {
				values[k.Value] = nil
				continue
			}
			if v.Kind != yaml.ScalarNode {
				return nil, &SchemaError{Path: path + "/" + KeyEnumMap + "/" + k.Value, Line: v.Line, Msg: "enum map values must be scalars"}
			}
			s := v.Value
			values[k.Value] = &s
		}
		return EnumLookup{Field: f, Values: values}, nil
	}

	if et, ok := keys[KeyEnumType]; ok {
		if et.Kind != yaml.ScalarNode || isNull(et) {
			return nil, &SchemaError{Path: path + "/" + KeyEnumType, Line: et.Line, Msg: "enum type must be a scalar"}
		}
		return EnumConst{Field: f, Value: et.Value}, nil
	}

	return f, nil
}

// parseField splits an optional "name:TYPE" column hint.
func parseField(raw, path string, line int) (Field, error) {
	name, typ, _ := strings.Cut(strings.TrimSpace(raw), ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return Field{}, &SchemaError{Path: path, Line: line, Msg: "empty field name"}
	}
	return Field{Name: name, Type: strings.TrimSpace(typ)}, nil
}

func checkTopLevel(r Rule, path string, line int) error {
	switch v := r.(type) {
	case *Entity:
		return nil
	case FanOut:
		for _, sub := range v {
			if err := checkTopLevel(sub, path, line); err != nil {
				return err
			}
		}
		return nil
	}
	return &SchemaError{Path: path, Line: line, Msg: "top-level rules must define an entity"}
}

func compileSelector(expr string, line int) (*Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &SchemaError{Line: line, Msg: "empty selector"}
	}
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, &SchemaError{Path: expr, Line: line, Msg: fmt.Sprintf("invalid selector: %v", err)}
	}
	return &Selector{Path: expr, Expr: compiled}, nil
}

func mappingKeys(n *yaml.Node, path string) (map[string]*yaml.Node, error) {
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := deref(n.Content[i])
		key, err := scalarString(k, path)
		if err != nil {
			return nil, err
		}
		if _, dup := out[key]; dup {
			return nil, &SchemaError{Path: path, Line: k.Line, Msg: fmt.Sprintf("duplicate key %q", key)}
		}
		out[key] = deref(n.Content[i+1])
	}
	return out, nil
}

func scalarString(n *yaml.Node, path string) (string, error) {
	n = deref(n)
	if n.Kind != yaml.ScalarNode || isNull(n) {
		return "", &SchemaError{Path: path, Line: n.Line, Msg: "expected a string"}
	}
	return n.Value, nil
}

func isNull(n *yaml.Node) bool {
	n = deref(n)
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
