package xmldoc

import (
	"fmt"
	"strings"
)

// Doctype is a parsed DOCTYPE declaration.
type Doctype struct {
	Name     string
	PublicID string
	SystemID string
	// Subset is the internal subset without its brackets.
	Subset string
}

// findDoctype locates the DOCTYPE declaration in the prolog of text. It
// reports false when the prolog ends without one.
func findDoctype(text string) (Doctype, bool, error) {
	i := 0
	for {
		j := strings.IndexByte(text[i:], '<')
		if j < 0 {
			return Doctype{}, false, nil
		}
		i += j
		rest := text[i:]
		switch {
		case strings.HasPrefix(rest, "<?"):
			end := strings.Index(rest, "?>")
			if end < 0 {
				return Doctype{}, false, nil
			}
			i += end + 2
		case strings.HasPrefix(rest, "<!--"):
			end := strings.Index(rest, "-->")
			if end < 0 {
				return Doctype{}, false, nil
			}
			i += end + 3
		case strings.HasPrefix(rest, "<!DOCTYPE"):
			dt, err := parseDoctype(rest)
			return dt, err == nil, err
		default:
			return Doctype{}, false, nil
		}
	}
}

func parseDoctype(s string) (Doctype, error) {
	sc := &scanner{s: s, pos: len("<!DOCTYPE")}
	if !sc.skipSpace() {
		return Doctype{}, fmt.Errorf("malformed DOCTYPE %q", clip(s))
	}
	var dt Doctype
	if dt.Name = sc.name(); dt.Name == "" {
		return Doctype{}, fmt.Errorf("DOCTYPE without a name")
	}
	sc.skipSpace()

	var err error
	switch {
	case sc.keyword("SYSTEM"):
		sc.skipSpace()
		dt.SystemID, err = sc.literal()
	case sc.keyword("PUBLIC"):
		sc.skipSpace()
		if dt.PublicID, err = sc.literal(); err == nil {
			sc.skipSpace()
			dt.SystemID, err = sc.literal()
		}
	}
	if err != nil {
		return Doctype{}, fmt.Errorf("DOCTYPE %s: %w", dt.Name, err)
	}
	sc.skipSpace()

	if sc.peek() == '[' {
		end := subsetEnd(s, sc.pos+1)
		if end < 0 {
			return Doctype{}, fmt.Errorf("DOCTYPE %s: unterminated internal subset", dt.Name)
		}
		dt.Subset = s[sc.pos+1 : end]
		sc.pos = end + 1
		sc.skipSpace()
	}
	if sc.peek() != '>' {
		return Doctype{}, fmt.Errorf("DOCTYPE %s: expected '>' at %q", dt.Name, clip(sc.rest()))
	}
	return dt, nil
}

// subsetEnd returns the index of the ']' closing an internal subset that
// starts at from, skipping literals and comments.
func subsetEnd(s string, from int) int {
	var q byte
	for j := from; j < len(s); j++ {
		c := s[j]
		if q != 0 {
			if c == q {
				q = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			q = c
		case strings.HasPrefix(s[j:], "<!--"):
			end := strings.Index(s[j+4:], "-->")
			if end < 0 {
				return -1
			}
			j += 4 + end + 2
		case c == ']':
			return j
		}
	}
	return -1
}
