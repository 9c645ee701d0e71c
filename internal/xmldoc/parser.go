// Package xmldoc parses one self-contained XML document into a navigable
// tree, resolving DTD-declared entities from a local DTD directory and
// optionally validating the document against its DTD.
package xmldoc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/sirupsen/logrus"
)

// SyntaxError reports a document that could not be turned into a tree: a
// well-formedness error, an unknown entity, a DTD that failed to load, or a
// validation failure.
type SyntaxError struct {
	// Stage is one of "doctype", "dtd", "parse" or "validate".
	Stage string
	// Line is the 1-based line within the document, when known.
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("xml %s (line %d): %v", e.Stage, e.Line, e.Err)
	}
	return fmt.Sprintf("xml %s: %v", e.Stage, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Options configures a Parser.
type Options struct {
	// DTDDir is the directory DTD and entity references are resolved against.
	DTDDir string
	// Validate enables DTD validation.
	Validate bool
	// Logger receives warnings about DTDs that could not be found. Nil
	// discards them.
	Logger logrus.FieldLogger
}

// Parser turns document text into an xmlquery tree. External DTDs are loaded
// once per system identifier and shared, so a Parser is safe for concurrent
// use and should be shared between workers.
type Parser struct {
	dir      string
	validate bool
	log      logrus.FieldLogger
	readFile func(string) ([]byte, error)

	mu    sync.Mutex
	cache map[string]*dtdEntry
}

type dtdEntry struct {
	once sync.Once
	dtd  *DTD
	err  error
}

// NewParser returns a Parser for opts.
func NewParser(opts Options) *Parser {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Parser{
		dir:      opts.DTDDir,
		validate: opts.Validate,
		log:      log,
		readFile: os.ReadFile,
		cache:    map[string]*dtdEntry{},
	}
}

// Parse parses text into a document node. Known-missing named entities are
// substituted first.
func (p *Parser) Parse(text string) (*xmlquery.Node, error) {
	text = ReplaceMissingEntities(text)

	dt, ok, err := findDoctype(text)
	if err != nil {
		return nil, &SyntaxError{Stage: "doctype", Err: err}
	}

	var dtd *DTD
	if ok {
		if dtd, err = p.dtdFor(dt); err != nil {
			return nil, &SyntaxError{Stage: "dtd", Err: err}
		}
	} else if p.validate {
		return nil, &SyntaxError{Stage: "validate", Err: errors.New("no DTD found")}
	}

	var entities map[string]string
	if dtd != nil {
		entities = dtd.Entities
	}
	doc, err := buildTree(text, entities)
	if err != nil {
		se := &SyntaxError{Stage: "parse", Err: err}
		var xe *xml.SyntaxError
		if errors.As(err, &xe) {
			se.Line = xe.Line
		}
		return nil, se
	}

	if p.validate {
		if err := dtd.Validate(doc, dt.Name); err != nil {
			return nil, &SyntaxError{Stage: "validate", Err: err}
		}
	}
	return doc, nil
}

// dtdFor returns the DTD in effect for a document: the cached external subset
// overlaid with the document's own internal subset.
func (p *Parser) dtdFor(dt Doctype) (*DTD, error) {
	external := newDTD()
	if dt.SystemID != "" {
		var err error
		if external, err = p.external(ResolvePath(p.dir, dt.SystemID)); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(dt.Subset) == "" {
		return external, nil
	}

	l := newLoader(p.dir, p.readFile)
	if err := l.process(dt.Subset, p.dir); err != nil {
		return nil, fmt.Errorf("internal subset: %w", err)
	}
	internal := l.result()
	if internal.empty() {
		return external, nil
	}
	return internal.overlay(external), nil
}

func (p *Parser) external(path string) (*DTD, error) {
	p.mu.Lock()
	e, ok := p.cache[path]
	if !ok {
		e = &dtdEntry{}
		p.cache[path] = e
	}
	p.mu.Unlock()

	e.once.Do(func() {
		l := newLoader(p.dir, p.readFile)
		err := l.loadFile(path)
		switch {
		case err == nil:
			e.dtd = l.result()
		case errors.Is(err, os.ErrNotExist) && !p.validate:
			p.log.WithField("path", path).Warn("DTD not found, parsing without its entities")
			e.dtd = newDTD()
		default:
			e.err = fmt.Errorf("load %s: %w", path, err)
		}
	})
	return e.dtd, e.err
}

// buildTree decodes text into an xmlquery document. Namespace prefixes are
// kept as written and never rejected, so documents that rely on DTD-defaulted
// xmlns attributes still parse.
func buildTree(text string, entities map[string]string) (*xmlquery.Node, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	dec.Strict = true
	dec.Entity = entities
	// Text reaches the parser already decoded to UTF-8, whatever the
	// declaration claims.
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	doc := &xmlquery.Node{Type: xmlquery.DocumentNode}
	cur := doc
	var stack []xml.Name
	roots := 0

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				roots++
				if roots > 1 {
					return nil, lineError(dec, "extra content at the end of the document")
				}
			}
			n := &xmlquery.Node{Type: xmlquery.ElementNode, Data: t.Name.Local, Prefix: t.Name.Space}
			for _, a := range t.Attr {
				n.Attr = append(n.Attr, xmlquery.Attr{Name: a.Name, Value: a.Value})
			}
			xmlquery.AddChild(cur, n)
			cur = n
			stack = append(stack, t.Name)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, lineError(dec, "unexpected end element </%s>", t.Name.Local)
			}
			if open := stack[len(stack)-1]; open != t.Name {
				return nil, lineError(dec, "element <%s> closed by </%s>", joinName(open), joinName(t.Name))
			}
			stack = stack[:len(stack)-1]
			cur = cur.Parent

		case xml.CharData:
			if len(stack) == 0 {
				if strings.TrimSpace(string(t)) != "" {
					return nil, lineError(dec, "text outside the document element")
				}
				continue
			}
			xmlquery.AddChild(cur, &xmlquery.Node{Type: xmlquery.TextNode, Data: string(t)})

		case xml.Comment:
			xmlquery.AddChild(cur, &xmlquery.Node{Type: xmlquery.CommentNode, Data: string(t)})
		}
	}

	if len(stack) > 0 {
		return nil, lineError(dec, "premature end of data in tag %s", joinName(stack[len(stack)-1]))
	}
	if roots == 0 {
		return nil, errors.New("document is empty")
	}
	return doc, nil
}

func lineError(dec *xml.Decoder, format string, args ...any) error {
	line, _ := dec.InputPos()
	return &xml.SyntaxError{Msg: fmt.Sprintf(format, args...), Line: line}
}

func joinName(n xml.Name) string {
	if n.Space != "" {
		return n.Space + ":" + n.Local
	}
	return n.Local
}
