package xmldoc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DTD is the subset of a document type definition the parser needs: general
// entity replacement texts, and element/attribute declarations for optional
// validation.
//
// A loaded DTD is never mutated and may be shared between goroutines.
type DTD struct {
	// Entities maps a general entity name to its fully expanded text.
	Entities map[string]string
	Elements map[string]*ElementDecl
	Attlists map[string][]AttrDecl

	raw map[string]string
}

// AttrDecl is one attribute definition from an ATTLIST declaration.
type AttrDecl struct {
	Name string
	// Type is CDATA, ID, IDREF, NMTOKEN and so on, or "ENUM" / "NOTATION"
	// with the allowed tokens in Values.
	Type    string
	Values  []string
	Default string // #REQUIRED, #IMPLIED, #FIXED or "" for a plain default
	Value   string
}

func newDTD() *DTD {
	return &DTD{
		Entities: map[string]string{},
		Elements: map[string]*ElementDecl{},
		Attlists: map[string][]AttrDecl{},
		raw:      map[string]string{},
	}
}

func (d *DTD) empty() bool {
	return len(d.raw) == 0 && len(d.Elements) == 0 && len(d.Attlists) == 0
}

// overlay returns a DTD where declarations of d take precedence over those of
// base, as the internal subset does over the external one.
func (d *DTD) overlay(base *DTD) *DTD {
	out := newDTD()
	for k, v := range base.raw {
		out.raw[k] = v
	}
	for k, v := range d.raw {
		out.raw[k] = v
	}
	for k, v := range base.Elements {
		out.Elements[k] = v
	}
	for k, v := range d.Elements {
		out.Elements[k] = v
	}
	for k, v := range base.Attlists {
		out.Attlists[k] = v
	}
	for k, v := range d.Attlists {
		out.Attlists[k] = mergeAttrs(v, out.Attlists[k])
	}
	out.Entities = expandEntities(out.raw)
	return out
}

func mergeAttrs(first, second []AttrDecl) []AttrDecl {
	out := append([]AttrDecl(nil), first...)
	for _, a := range second {
		if !hasAttr(out, a.Name) {
			out = append(out, a)
		}
	}
	return out
}

func hasAttr(list []AttrDecl, name string) bool {
	for _, a := range list {
		if a.Name == name {
			return true
		}
	}
	return false
}

type paramEntity struct {
	value    string
	path     string
	external bool
	loaded   bool
}

// dtdLoader reads declarations into a DTD. The first declaration of any
// entity, element or attribute wins.
type dtdLoader struct {
	dir    string
	read   func(string) ([]byte, error)
	dtd    *DTD
	params map[string]*paramEntity
	depth  int
}

const maxNesting = 32

var paramRef = regexp.MustCompile(`%([A-Za-z_:][-A-Za-z0-9._:]*);`)

func newLoader(dir string, read func(string) ([]byte, error)) *dtdLoader {
	if read == nil {
		read = os.ReadFile
	}
	return &dtdLoader{
		dir:    dir,
		read:   read,
		dtd:    newDTD(),
		params: map[string]*paramEntity{},
	}
}

// loadFile processes an external DTD or parameter entity file.
func (l *dtdLoader) loadFile(path string) error {
	b, err := l.read(path)
	if err != nil {
		return err
	}
	return l.process(stripTextDecl(string(b)), filepath.Dir(path))
}

// result finalizes entity expansion and returns the loaded DTD.
func (l *dtdLoader) result() *DTD {
	l.dtd.Entities = expandEntities(l.dtd.raw)
	return l.dtd
}

// process walks the markup declarations of a DTD fragment.
func (l *dtdLoader) process(text, base string) error {
	l.depth++
	defer func() { l.depth-- }()
	if l.depth > maxNesting {
		return fmt.Errorf("dtd: declarations nested deeper than %d levels", maxNesting)
	}

	i := 0
	for i < len(text) {
		rest := text[i:]
		switch {
		case isSpace(text[i]):
			i++

		case strings.HasPrefix(rest, "<!--"):
			end := strings.Index(rest[4:], "-->")
			if end < 0 {
				return fmt.Errorf("dtd: unterminated comment")
			}
			i += 4 + end + 3

		case strings.HasPrefix(rest, "<?"):
			end := strings.Index(rest, "?>")
			if end < 0 {
				return fmt.Errorf("dtd: unterminated processing instruction")
			}
			i += end + 2

		case strings.HasPrefix(rest, "<!["):
			open := strings.IndexByte(rest[3:], '[')
			if open < 0 {
				return fmt.Errorf("dtd: malformed conditional section at %q", clip(rest))
			}
			kw, err := l.expandParams(rest[3:3+open], base, true)
			if err != nil {
				return err
			}
			bodyStart := 3 + open + 1
			end := conditionalEnd(rest, bodyStart)
			if end < 0 {
				return fmt.Errorf("dtd: unterminated conditional section")
			}
			switch strings.TrimSpace(kw) {
			case "INCLUDE":
				if err := l.process(rest[bodyStart:end], base); err != nil {
					return err
				}
			case "IGNORE":
			default:
				return fmt.Errorf("dtd: conditional section keyword %q", strings.TrimSpace(kw))
			}
			i += end + 3

		case strings.HasPrefix(rest, "<!"):
			end := declEnd(rest, 2)
			if end < 0 {
				return fmt.Errorf("dtd: unterminated declaration at %q", clip(rest))
			}
			if err := l.declaration(rest[2:end], base); err != nil {
				return err
			}
			i += end + 1

		case text[i] == '%':
			semi := strings.IndexByte(rest, ';')
			if semi < 0 {
				return fmt.Errorf("dtd: unterminated parameter entity reference")
			}
			name := rest[1:semi]
			v, err := l.paramValue(name, base)
			if err != nil {
				return err
			}
			nb := base
			if pe := l.params[name]; pe.external {
				nb = filepath.Dir(pe.path)
			}
			if err := l.process(v, nb); err != nil {
				return err
			}
			i += semi + 1

		default:
			return fmt.Errorf("dtd: unexpected content at %q", clip(rest))
		}
	}
	return nil
}

// conditionalEnd returns the index of the "]]>" closing the section whose
// body starts at from, honoring nested sections.
func conditionalEnd(s string, from int) int {
	depth := 1
	for j := from; j < len(s); {
		switch {
		case strings.HasPrefix(s[j:], "<!["):
			depth++
			j += 3
		case strings.HasPrefix(s[j:], "]]>"):
			depth--
			if depth == 0 {
				return j
			}
			j += 3
		default:
			j++
		}
	}
	return -1
}

func (l *dtdLoader) declaration(decl, base string) error {
	sc := &scanner{s: decl}
	switch {
	case sc.keyword("ENTITY"):
		return l.entityDecl(sc.rest(), base)
	case sc.keyword("ELEMENT"):
		body, err := l.expandParams(sc.rest(), base, true)
		if err != nil {
			return err
		}
		return l.elementDecl(body)
	case sc.keyword("ATTLIST"):
		body, err := l.expandParams(sc.rest(), base, true)
		if err != nil {
			return err
		}
		return l.attlistDecl(body)
	case sc.keyword("NOTATION"):
		return nil
	}
	return fmt.Errorf("dtd: unknown declaration <!%s>", clip(decl))
}

func (l *dtdLoader) entityDecl(body, base string) error {
	sc := &scanner{s: body}
	sc.skipSpace()
	param := false
	if sc.peek() == '%' {
		sc.pos++
		if !sc.skipSpace() {
			return fmt.Errorf("dtd: malformed parameter entity declaration %q", clip(body))
		}
		param = true
	}
	name := sc.name()
	if name == "" {
		return fmt.Errorf("dtd: entity declaration without a name")
	}
	sc.skipSpace()

	var (
		value, system string
		external      bool
		err           error
	)
	switch {
	case sc.peek() == '"' || sc.peek() == '\'':
		lit, err := sc.literal()
		if err != nil {
			return fmt.Errorf("dtd: entity %s: %w", name, err)
		}
		if value, err = l.expandParams(lit, base, false); err != nil {
			return err
		}
		value = expandCharRefs(value)
	case sc.keyword("SYSTEM"):
		sc.skipSpace()
		system, err = sc.literal()
		external = true
	case sc.keyword("PUBLIC"):
		sc.skipSpace()
		if _, err = sc.literal(); err == nil {
			sc.skipSpace()
			system, err = sc.literal()
		}
		external = true
	default:
		return fmt.Errorf("dtd: entity %s: expected value or external id", name)
	}
	if err != nil {
		return fmt.Errorf("dtd: entity %s: %w", name, err)
	}

	sc.skipSpace()
	if sc.keyword("NDATA") {
		// Unparsed entity (images and the like): never expanded as text.
		return nil
	}

	if param {
		if _, dup := l.params[name]; dup {
			return nil
		}
		pe := &paramEntity{value: value, external: external, loaded: !external}
		if external {
			pe.path = l.locate(system, base)
		}
		l.params[name] = pe
		return nil
	}

	if _, dup := l.dtd.raw[name]; dup {
		return nil
	}
	if external {
		b, err := l.read(l.locate(system, base))
		if err != nil {
			// Unresolvable external text entity: stays undeclared, so a
			// reference to it fails at parse time.
			return nil
		}
		value = stripTextDecl(string(b))
	}
	l.dtd.raw[name] = value
	return nil
}

func (l *dtdLoader) elementDecl(body string) error {
	sc := &scanner{s: body}
	sc.skipSpace()
	name := sc.name()
	if name == "" {
		return fmt.Errorf("dtd: element declaration without a name")
	}
	if _, dup := l.dtd.Elements[name]; dup {
		return nil
	}
	decl, err := compileContentModel(name, strings.TrimSpace(sc.rest()))
	if err != nil {
		return fmt.Errorf("dtd: element %s: %w", name, err)
	}
	l.dtd.Elements[name] = decl
	return nil
}

func (l *dtdLoader) attlistDecl(body string) error {
	sc := &scanner{s: body}
	sc.skipSpace()
	elem := sc.name()
	if elem == "" {
		return fmt.Errorf("dtd: attribute list without an element name")
	}
	for {
		sc.skipSpace()
		if sc.eof() {
			return nil
		}
		a := AttrDecl{Name: sc.name()}
		if a.Name == "" {
			return fmt.Errorf("dtd: attlist %s: malformed at %q", elem, clip(sc.rest()))
		}
		sc.skipSpace()

		switch {
		case sc.peek() == '(':
			a.Type = "ENUM"
			vals, err := enumValues(sc)
			if err != nil {
				return fmt.Errorf("dtd: attlist %s/%s: %w", elem, a.Name, err)
			}
			a.Values = vals
		case sc.keyword("NOTATION"):
			a.Type = "NOTATION"
			sc.skipSpace()
			vals, err := enumValues(sc)
			if err != nil {
				return fmt.Errorf("dtd: attlist %s/%s: %w", elem, a.Name, err)
			}
			a.Values = vals
		default:
			a.Type = sc.name()
			if a.Type == "" {
				return fmt.Errorf("dtd: attlist %s/%s: missing type", elem, a.Name)
			}
		}
		sc.skipSpace()

		if sc.peek() == '#' {
			a.Default = sc.name()
			if a.Default == "#FIXED" {
				sc.skipSpace()
				v, err := sc.literal()
				if err != nil {
					return fmt.Errorf("dtd: attlist %s/%s: %w", elem, a.Name, err)
				}
				a.Value = v
			}
		} else {
			v, err := sc.literal()
			if err != nil {
				return fmt.Errorf("dtd: attlist %s/%s: %w", elem, a.Name, err)
			}
			a.Value = v
		}

		if !hasAttr(l.dtd.Attlists[elem], a.Name) {
			l.dtd.Attlists[elem] = append(l.dtd.Attlists[elem], a)
		}
	}
}

func enumValues(sc *scanner) ([]string, error) {
	sc.pos++ // (
	inner, err := sc.until(')')
	if err != nil {
		return nil, err
	}
	sc.pos++ // )
	var out []string
	for _, v := range strings.Split(inner, "|") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

// expandParams substitutes parameter entity references in s. Inside markup
// declarations (pad) each replacement is surrounded by a space; inside entity
// literals it is inserted as is.
func (l *dtdLoader) expandParams(s, base string, pad bool) (string, error) {
	for n := 0; strings.IndexByte(s, '%') >= 0; n++ {
		if n > maxNesting {
			return "", fmt.Errorf("dtd: parameter entities nested deeper than %d levels", maxNesting)
		}
		var firstErr error
		out := paramRef.ReplaceAllStringFunc(s, func(ref string) string {
			v, err := l.paramValue(ref[1:len(ref)-1], base)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if pad {
				return " " + v + " "
			}
			return v
		})
		if firstErr != nil {
			return "", firstErr
		}
		if out == s {
			break
		}
		s = out
	}
	return s, nil
}

func (l *dtdLoader) paramValue(name, base string) (string, error) {
	pe, ok := l.params[name]
	if !ok {
		return "", fmt.Errorf("dtd: undeclared parameter entity %%%s;", name)
	}
	if !pe.loaded {
		b, err := l.read(pe.path)
		if err != nil {
			return "", fmt.Errorf("dtd: load parameter entity %%%s;: %w", name, err)
		}
		pe.value = stripTextDecl(string(b))
		pe.loaded = true
	}
	return pe.value, nil
}

// locate resolves an external identifier against the DTD directory, falling
// back to the directory of the declaring file.
func (l *dtdLoader) locate(system, base string) string {
	primary := ResolvePath(l.dir, system)
	if p, ok := existing(primary, filepath.Join(base, system)); ok {
		return p
	}
	return primary
}
