// Package splitter cuts a concatenated archive file into its individual XML
// documents.
//
// Bulk patent archives are many complete XML documents appended to each
// other. Each one starts with an XML declaration on its own line, followed by
// a DOCTYPE line naming the document type. Only documents whose DOCTYPE names
// the configured root are emitted; documents of other types are skipped.
package splitter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const declPrefix = "<?xml "

// Document is one raw XML document cut from an archive.
type Document struct {
	// File is the display name of the archive.
	File string
	// Line is the 0-based line of the archive where the document starts.
	Line int
	Text string
}

// Locator renders file and line for log messages and synthetic keys.
func (d Document) Locator() string {
	return fmt.Sprintf("%s:%d", d.File, d.Line)
}

// DroppedError reports buffered content that was discarded because it did
// not form a recognizable document. It is recoverable: splitting continues
// with the next document.
type DroppedError struct {
	File   string
	Line   int
	Reason string
	// Fragment is the start of the discarded text.
	Fragment string
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("%s:%d: dropped fragment (%s): %q", e.File, e.Line, e.Reason, e.Fragment)
}

// Splitter splits archives into documents of type Root.
type Splitter struct {
	// Root is the document type to keep.
	Root string
	// Encoding is a WHATWG label for the archive encoding. Empty means
	// UTF-8. Undecodable bytes become U+FFFD.
	Encoding string
}

// New returns a Splitter for root documents in the given input encoding.
func New(root, encodingLabel string) (*Splitter, error) {
	s := &Splitter{Root: root, Encoding: encodingLabel}
	if _, err := s.encoding(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Splitter) encoding() (encoding.Encoding, error) {
	label := strings.TrimSpace(s.Encoding)
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown input encoding %q: %w", label, err)
	}
	return enc, nil
}

// Opener opens the archive. It is called once per iteration.
type Opener func() (io.ReadCloser, error)

// Documents returns the documents of the archive name in file order.
//
// The sequence yields a *DroppedError for content before the first
// declaration and for a declaration line with nothing after it, and keeps
// going. Candidates whose second line is not a DOCTYPE for Root are skipped
// silently. Any other error (open, read, decode) ends the sequence. Iterating
// again re-opens the archive and starts over.
func (s *Splitter) Documents(name string, open Opener) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		enc, err := s.encoding()
		if err != nil {
			yield(Document{}, err)
			return
		}
		rc, err := open()
		if err != nil {
			yield(Document{}, fmt.Errorf("open %s: %w", name, err))
			return
		}
		defer rc.Close()

		dec := unicode.BOMOverride(enc.NewDecoder())
		br := bufio.NewReaderSize(transform.NewReader(rc, dec), 1<<20)

		c := &candidate{file: name, root: s.Root}
		for lineNo := 0; ; lineNo++ {
			line, err := br.ReadString('\n')
			if line != "" {
				if strings.HasPrefix(line, declPrefix) {
					if !c.flush(yield) {
						return
					}
					c.reset(lineNo)
				}
				c.add(line)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Document{}, fmt.Errorf("read %s: %w", name, err))
				return
			}
		}
		c.flush(yield)
	}
}

// candidate buffers the lines of the document being assembled.
type candidate struct {
	file   string
	root   string
	start  int
	lines  int
	decl   bool
	second string
	text   strings.Builder
}

func (c *candidate) reset(start int) {
	c.start = start
	c.lines = 0
	c.decl = true
	c.second = ""
	c.text.Reset()
}

func (c *candidate) add(line string) {
	if c.lines == 1 {
		c.second = line
	}
	c.lines++
	c.text.WriteString(line)
}

// flush decides the fate of the buffered candidate and reports whether the
// consumer wants more.
func (c *candidate) flush(yield func(Document, error) bool) bool {
	if c.lines == 0 {
		return true
	}
	text := c.text.String()

	if !c.decl {
		if strings.TrimSpace(text) == "" {
			return true
		}
		return yield(Document{}, c.dropped("content before the first XML declaration", text))
	}
	if c.lines < 2 {
		return yield(Document{}, c.dropped("XML declaration without a DOCTYPE line", text))
	}

	if isDoctypeFor(c.second, c.root) {
		return yield(Document{File: c.file, Line: c.start, Text: text}, nil)
	}
	// Another document type sharing the archive, or a declaration not
	// followed by a DOCTYPE: neither is a root document.
	return true
}

func (c *candidate) dropped(reason, text string) *DroppedError {
	const max = 120
	frag := strings.TrimSpace(text)
	if len(frag) > max {
		frag = frag[:max] + "..."
	}
	return &DroppedError{File: c.file, Line: c.start, Reason: reason, Fragment: frag}
}

// isDoctypeFor reports whether line is a DOCTYPE declaration for root. The
// name must match exactly: "us-patent-grant" does not match
// "us-patent-grant-v42".
func isDoctypeFor(line, root string) bool {
	rest, ok := strings.CutPrefix(line, "<!DOCTYPE ")
	if !ok {
		return false
	}
	rest = strings.TrimLeft(rest, " \t")
	name, ok := strings.CutPrefix(rest, root)
	if !ok {
		return false
	}
	if name == "" {
		return true
	}
	switch name[0] {
	case ' ', '\t', '\r', '\n', '[', '>':
		return true
	}
	return false
}
