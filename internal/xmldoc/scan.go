package xmldoc

import (
	"fmt"
	"strings"
)

// scanner is a cursor over declaration text.
type scanner struct {
	s   string
	pos int
}

func (sc *scanner) eof() bool { return sc.pos >= len(sc.s) }

func (sc *scanner) peek() byte {
	if sc.eof() {
		return 0
	}
	return sc.s[sc.pos]
}

func (sc *scanner) rest() string { return sc.s[sc.pos:] }

// skipSpace advances past XML whitespace and reports whether any was skipped.
func (sc *scanner) skipSpace() bool {
	start := sc.pos
	for !sc.eof() && isSpace(sc.s[sc.pos]) {
		sc.pos++
	}
	return sc.pos > start
}

// keyword consumes kw if the input continues with it as a whole word.
func (sc *scanner) keyword(kw string) bool {
	if !strings.HasPrefix(sc.rest(), kw) {
		return false
	}
	end := sc.pos + len(kw)
	if end < len(sc.s) && isNameByte(sc.s[end]) {
		return false
	}
	sc.pos = end
	return true
}

func (sc *scanner) name() string {
	start := sc.pos
	for !sc.eof() && isNameByte(sc.s[sc.pos]) {
		sc.pos++
	}
	return sc.s[start:sc.pos]
}

// literal reads a single- or double-quoted string and returns its content.
func (sc *scanner) literal() (string, error) {
	q := sc.peek()
	if q != '"' && q != '\'' {
		return "", fmt.Errorf("expected quoted literal at %q", clip(sc.rest()))
	}
	end := strings.IndexByte(sc.s[sc.pos+1:], q)
	if end < 0 {
		return "", fmt.Errorf("unterminated literal at %q", clip(sc.rest()))
	}
	v := sc.s[sc.pos+1 : sc.pos+1+end]
	sc.pos += end + 2
	return v, nil
}

// until reads up to (not including) the byte c.
func (sc *scanner) until(c byte) (string, error) {
	end := strings.IndexByte(sc.rest(), c)
	if end < 0 {
		return "", fmt.Errorf("expected %q in %q", c, clip(sc.rest()))
	}
	v := sc.s[sc.pos : sc.pos+end]
	sc.pos += end
	return v, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// isNameByte accepts ASCII name characters plus any non-ASCII byte, which is
// enough to delimit names in DTD text without decoding runes.
func isNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == ':', c == '-', c == '.', c == '#':
		return true
	}
	return c >= 0x80
}

func clip(s string) string {
	const max = 40
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// declEnd returns the index of the '>' closing a markup declaration that
// starts at from, skipping quoted literals.
func declEnd(s string, from int) int {
	var q byte
	for j := from; j < len(s); j++ {
		c := s[j]
		if q != 0 {
			if c == q {
				q = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			q = c
		case '>':
			return j
		}
	}
	return -1
}

// stripTextDecl drops a leading <?xml ...?> text declaration from an external
// entity.
func stripTextDecl(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	if strings.HasPrefix(s, "<?xml") && len(s) > 5 && isSpace(s[5]) {
		if end := strings.Index(s, "?>"); end >= 0 {
			return s[end+2:]
		}
	}
	return s
}
