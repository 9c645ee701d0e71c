// Package probe samples XML archives and drafts mapping configs from them.
//
// The probe reads a bounded number of root documents, records which element
// and attribute paths occur, how often they repeat under one parent and
// whether they carry text, then turns that profile into a starting mapping:
//
//   - the root document becomes the top-level entity
//   - a path that repeats under one parent becomes a nested entity
//   - a non-repeating leaf becomes a field, named after its path
//   - a non-repeating container is flattened into its parent entity
//
// Inference is best-effort. Documents that fail to parse are skipped and
// counted; they never fail the probe run. The draft is compiled before it is
// returned, so it is always a loadable mapping.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/antchfx/xmlquery"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"patentetl/internal/mapping"
	"patentetl/internal/source"
	"patentetl/internal/splitter"
	"patentetl/internal/xmldoc"
)

// DefaultMaxDocs is the number of documents sampled when Options.MaxDocs is
// not set.
const DefaultMaxDocs = 20

// FilenameField is the filename column added to the drafted root entity.
const FilenameField = "source_file"

// Options control sampling.
type Options struct {
	// Root is the document type to sample. Empty means the first DOCTYPE
	// found in the archive.
	Root string
	// MaxDocs bounds the sample. Defaults to DefaultMaxDocs.
	MaxDocs int
	// Encoding is the input encoding label. Empty means UTF-8.
	Encoding string
	// DTDDir resolves external entities while parsing. DTDs are optional.
	DTDDir string
	Logger logrus.FieldLogger

	// Open opens the archive. Defaults to source.Open.
	Open func(path string) (io.ReadCloser, error)
}

// PathStat describes one element path of the sampled documents.
type PathStat struct {
	// Name is the qualified element name, or "@name" for an attribute.
	Name string
	// Docs counts the sampled documents containing the path.
	Docs int
	// MaxPerParent is the largest number of occurrences under one parent.
	MaxPerParent int
	// HasText is set when any occurrence has non-blank text of its own.
	HasText bool

	Children []*PathStat
	byName   map[string]*PathStat
	lastDoc  int

	// values holds the distinct texts of non-repeating leaves directly under
	// the root; they are the primary key candidates.
	values map[string]struct{}
}

func newPathStat(name string) *PathStat {
	return &PathStat{Name: name, byName: map[string]*PathStat{}, lastDoc: -1}
}

func (s *PathStat) child(name string) *PathStat {
	c, ok := s.byName[name]
	if !ok {
		c = newPathStat(name)
		s.byName[name] = c
		s.Children = append(s.Children, c)
	}
	return c
}

func (s *PathStat) isAttr() bool { return strings.HasPrefix(s.Name, "@") }

func (s *PathStat) isLeaf() bool {
	for _, c := range s.Children {
		if !c.isAttr() {
			return false
		}
	}
	return true
}

// Profile is the result of sampling one archive.
type Profile struct {
	File    string
	Root    *PathStat
	Sampled int
	Failed  int
	Dropped int
}

// Sample profiles up to opts.MaxDocs documents of path.
func Sample(ctx context.Context, path string, opts Options) (*Profile, error) {
	open := opts.Open
	if open == nil {
		open = source.Open
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	maxDocs := opts.MaxDocs
	if maxDocs <= 0 {
		maxDocs = DefaultMaxDocs
	}

	root := strings.TrimSpace(opts.Root)
	if root == "" {
		var err error
		if root, err = detectRoot(func() (io.ReadCloser, error) { return open(path) }); err != nil {
			return nil, err
		}
		log.WithField("xml_root", root).Info("detected document type")
	}

	sp, err := splitter.New(root, opts.Encoding)
	if err != nil {
		return nil, err
	}
	parser := xmldoc.NewParser(xmldoc.Options{DTDDir: opts.DTDDir, Logger: log})

	p := &Profile{File: source.DisplayName(path), Root: newPathStat(root)}
	p.Root.MaxPerParent = 1
	for doc, err := range sp.Documents(p.File, func() (io.ReadCloser, error) { return open(path) }) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err != nil {
			var de *splitter.DroppedError
			if !errors.As(err, &de) {
				return nil, err
			}
			p.Dropped++
			continue
		}
		tree, err := parser.Parse(doc.Text)
		if err != nil {
			log.WithFields(logrus.Fields{"file": doc.File, "line": doc.Line}).WithError(err).Debug("skipping unparsable document")
			p.Failed++
			continue
		}
		if el := rootElement(tree, root); el != nil {
			p.observe(el)
			p.Sampled++
		}
		if p.Sampled >= maxDocs {
			break
		}
	}
	if p.Sampled == 0 {
		return p, fmt.Errorf("no %s documents could be sampled from %s", root, p.File)
	}
	return p, nil
}

// detectRoot returns the name of the first DOCTYPE that follows an XML
// declaration.
func detectRoot(open splitter.Opener) (string, error) {
	rc, err := open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	afterDecl := false
	for sc.Scan() {
		line := sc.Text()
		if afterDecl && strings.HasPrefix(line, "<!DOCTYPE") {
			if f := strings.Fields(strings.TrimPrefix(line, "<!DOCTYPE")); len(f) > 0 {
				return strings.TrimRight(f[0], ">["), nil
			}
		}
		afterDecl = strings.HasPrefix(line, "<?xml")
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no DOCTYPE declaration found")
}

func rootElement(doc *xmlquery.Node, root string) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode && qname(n) == root {
			return n
		}
	}
	return nil
}

func qname(n *xmlquery.Node) string {
	if n.Prefix != "" {
		return n.Prefix + ":" + n.Data
	}
	return n.Data
}

func (p *Profile) observe(el *xmlquery.Node) {
	p.Root.Docs++
	p.Root.lastDoc = p.Sampled
	p.walk(p.Root, el, true)
}

func (p *Profile) walk(stat *PathStat, el *xmlquery.Node, top bool) {
	for _, a := range el.Attr {
		name := a.Name.Local
		if a.Name.Space != "" {
			if a.Name.Space == "xmlns" {
				continue
			}
			name = a.Name.Space + ":" + name
		}
		p.mark(stat.child("@"+name), 1)
	}

	counts := map[*PathStat]int{}
	for n := el.FirstChild; n != nil; n = n.NextSibling {
		switch n.Type {
		case xmlquery.TextNode, xmlquery.CharDataNode:
			if strings.TrimSpace(n.Data) != "" {
				stat.HasText = true
			}
		case xmlquery.ElementNode:
			c := stat.child(qname(n))
			counts[c]++
			p.walk(c, n, false)
		}
	}
	for c, n := range counts {
		p.mark(c, n)
		if top && c.isLeaf() && n == 1 {
			if c.values == nil {
				c.values = map[string]struct{}{}
			}
			c.values[childText(el, c.Name)] = struct{}{}
		}
	}
}

func (p *Profile) mark(s *PathStat, n int) {
	if s.lastDoc != p.Sampled {
		s.lastDoc = p.Sampled
		s.Docs++
	}
	s.MaxPerParent = max(s.MaxPerParent, n)
}

func childText(el *xmlquery.Node, name string) string {
	for n := el.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode && qname(n) == name {
			return strings.Join(strings.Fields(n.InnerText()), " ")
		}
	}
	return ""
}

// PrimaryKey guesses the root entity's key: the first non-repeating leaf under
// the root present in every sampled document with a distinct, non-empty value
// each time. At least two documents are needed to tell.
func (p *Profile) PrimaryKey() string {
	if p.Sampled < 2 {
		return ""
	}
	for _, c := range p.Root.Children {
		if c.isAttr() || !c.isLeaf() || c.MaxPerParent != 1 || c.Docs != p.Sampled || len(c.values) != p.Sampled {
			continue
		}
		if _, blank := c.values[""]; blank {
			continue
		}
		return c.Name
	}
	return ""
}

// Report renders the profile as one indented line per path.
func (p *Profile) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "file=%s sampled=%d failed=%d dropped=%d\n", p.File, p.Sampled, p.Failed, p.Dropped)
	var walk func(s *PathStat, depth int)
	walk = func(s *PathStat, depth int) {
		fmt.Fprintf(&b, "%s%s docs=%d max_per_parent=%d text=%t\n", strings.Repeat("  ", depth), s.Name, s.Docs, s.MaxPerParent, s.HasText)
		for _, c := range s.Children {
			walk(c, depth+1)
		}
	}
	walk(p.Root, 0)
	if pk := p.PrimaryKey(); pk != "" {
		fmt.Fprintf(&b, "primary key candidate: %s\n", pk)
	}
	return b.String()
}

// Draft builds a mapping config from the profile and checks that it compiles.
func (p *Profile) Draft() (*yaml.Node, error) {
	root := p.Root.Name
	entity := newDraftEntity(normalizeFieldName(root), "")
	entity.pk = p.PrimaryKey()
	entity.filename = FilenameField
	entity.used[FilenameField] = 1
	p.fields(entity, p.Root, "", map[string]int{entity.name: 1})

	doc := mappingNode(
		scalar("xml_root"), scalar(root),
		scalar(root), entity.node(),
	)
	out := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{doc}}
	if _, err := mapping.Compile(out); err != nil {
		return nil, fmt.Errorf("drafted mapping does not compile: %w", err)
	}
	return out, nil
}

// Encode writes the drafted mapping as YAML.
func (p *Profile) Encode(w io.Writer) error {
	node, err := p.Draft()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

type draftField struct {
	path string
	rule *yaml.Node
}

type draftEntity struct {
	name     string
	pk       string
	filename string
	fields   []draftField
	used     map[string]int
}

// newDraftEntity reserves the id column and, for nested entities, the parent
// link column.
func newDraftEntity(name, parent string) *draftEntity {
	e := &draftEntity{name: name, used: map[string]int{"id": 1}}
	if parent != "" {
		e.used[parent+"_id"] = 1
	}
	return e
}

// fieldName returns a unique column name within the entity.
func (e *draftEntity) fieldName(base string) string {
	if base == "" {
		base = "value"
	}
	e.used[base]++
	if n := e.used[base]; n > 1 {
		return truncateFieldName(fmt.Sprintf("%s_%d", base, n))
	}
	return truncateFieldName(base)
}

func (e *draftEntity) node() *yaml.Node {
	n := mappingNode(scalar("<entity>"), scalar(e.name))
	if e.pk != "" {
		n.Content = append(n.Content, scalar("<primary_key>"), scalar(e.pk))
	}
	if e.filename != "" {
		n.Content = append(n.Content, scalar("<filename_field>"), scalar(e.filename))
	}
	fields := mappingNode()
	for _, f := range e.fields {
		fields.Content = append(fields.Content, scalar(f.path), f.rule)
	}
	n.Content = append(n.Content, scalar("<fields>"), fields)
	return n
}

// fields adds the columns of stat to e. prefix is the relative path from the
// entity's node; entities nest at repeating paths. tables keeps entity names
// unique across the draft.
func (p *Profile) fields(e *draftEntity, stat *PathStat, prefix string, tables map[string]int) {
	join := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "/" + name
	}
	if prefix == "" && stat.HasText && stat != p.Root {
		e.fields = append(e.fields, draftField{path: ".", rule: scalar(e.fieldName("value"))})
	}

	for _, c := range stat.Children {
		path := join(c.Name)
		switch {
		case c.isAttr():
			e.fields = append(e.fields, draftField{path: path, rule: scalar(e.fieldName(normalizeFieldName(strings.ReplaceAll(path, "@", ""))))})

		case c.MaxPerParent > 1:
			childName := normalizeFieldName(c.Name)
			tables[childName]++
			if n := tables[childName]; n > 1 {
				childName = fmt.Sprintf("%s_%d", childName, n)
			}
			child := newDraftEntity(childName, e.name)
			p.fields(child, c, "", tables)
			e.fields = append(e.fields, draftField{path: path, rule: child.node()})

		case c.isLeaf():
			if c.HasText {
				e.fields = append(e.fields, draftField{path: path, rule: scalar(e.fieldName(normalizeFieldName(path)))})
			}
			for _, a := range c.Children {
				apath := path + "/" + a.Name
				e.fields = append(e.fields, draftField{path: apath, rule: scalar(e.fieldName(normalizeFieldName(strings.ReplaceAll(apath, "@", ""))))})
			}

		default:
			// A non-repeating container is flattened into this entity. Its
			// own text, if any, is kept as a field of its own.
			if c.HasText {
				e.fields = append(e.fields, draftField{path: path, rule: scalar(e.fieldName(normalizeFieldName(path)))})
			}
			p.fields(e, c, path, tables)
		}
	}
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func mappingNode(kv ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: kv}
}

// truncateFieldName enforces backend identifier length limits while
// preserving UTF-8 validity.
func truncateFieldName(s string) string {
	const maxLen = 63
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.ValidString(s[:cut]) {
		cut--
	}
	if cut <= 0 {
		return s[:maxLen]
	}
	return s[:cut]
}

// normalizeFieldName converts an element path into a lowercase identifier
// suitable for column and table names.
func normalizeFieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	return strings.Trim(b.String(), "_")
}
