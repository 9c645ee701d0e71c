package xmldoc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

// missingEntities maps named character references used by patent documents
// but declared by none of the published DTDs onto private-use code points.
var missingEntities = strings.NewReplacer(
	"&IndentingNewLine;", "&#xF3A3;",
	"&LeftBracketingBar;", "&#xF603;",
	"&RightBracketingBar;", "&#xF604;",
	"&LeftDoubleBracketingBar;", "&#xF605;",
	"&RightDoubleBracketingBar;", "&#xF606;",
	"&LeftSkeleton;", "&#xF761;",
	"&RightSkeleton;", "&#xF762;",
	"&hearts;", "&#x2665;",
)

// ReplaceMissingEntities rewrites the known-missing named references in text
// to numeric character references. Other text is left untouched.
func ReplaceMissingEntities(text string) string {
	return missingEntities.Replace(text)
}

// ResolvePath maps a DTD or entity system identifier onto the local file
// system. A reference that already points into dir is used as is; anything
// else is taken relative to dir. Absolute references outside dir are kept.
func ResolvePath(dir, systemID string) string {
	sys := strings.TrimPrefix(systemID, "file://")
	if dir != "" && strings.HasPrefix(sys, dir) {
		return sys
	}
	p := sys
	if !filepath.IsAbs(sys) {
		p = filepath.Join(dir, sys)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// existing returns the first candidate path that exists on disk.
func existing(candidates ...string) (string, bool) {
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

var predefined = map[string]string{
	"lt":   "<",
	"gt":   ">",
	"amp":  "&",
	"apos": "'",
	"quot": `"`,
}

// expandCharRefs replaces numeric character references in s. Malformed or
// out-of-range references are kept verbatim.
func expandCharRefs(s string) string {
	if !strings.Contains(s, "&#") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "&#")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], ';')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		if r, ok := charRef(s[i+2 : i+j]); ok {
			b.WriteRune(r)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}

func charRef(ref string) (rune, bool) {
	base := 10
	if strings.HasPrefix(ref, "x") {
		ref, base = ref[1:], 16
	}
	n, err := strconv.ParseUint(ref, base, 32)
	if err != nil || !utf8.ValidRune(rune(n)) || n == 0 {
		return 0, false
	}
	return rune(n), true
}

// expandEntities resolves the replacement text of every general entity so
// that each value is final literal text, the way a conforming parser would
// see it when the reference is included in content.
func expandEntities(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	active := make(map[string]bool)

	var resolve func(name string) string
	var expand func(s string) string

	resolve = func(name string) string {
		if v, ok := out[name]; ok {
			return v
		}
		if active[name] {
			// Recursive definition; leave the reference unexpanded.
			return "&" + name + ";"
		}
		active[name] = true
		v := expand(raw[name])
		delete(active, name)
		out[name] = v
		return v
	}

	expand = func(s string) string {
		if !strings.Contains(s, "&") {
			return s
		}
		var b strings.Builder
		for {
			i := strings.IndexByte(s, '&')
			if i < 0 {
				b.WriteString(s)
				return b.String()
			}
			j := strings.IndexByte(s[i:], ';')
			if j < 0 {
				b.WriteString(s)
				return b.String()
			}
			b.WriteString(s[:i])
			ref := s[i+1 : i+j]
			switch {
			case strings.HasPrefix(ref, "#"):
				if r, ok := charRef(ref[1:]); ok {
					b.WriteRune(r)
				} else {
					b.WriteString(s[i : i+j+1])
				}
			case predefined[ref] != "":
				b.WriteString(predefined[ref])
			default:
				if _, ok := raw[ref]; ok {
					b.WriteString(resolve(ref))
				} else {
					b.WriteString(s[i : i+j+1])
				}
			}
			s = s[i+j+1:]
		}
	}

	for name := range raw {
		resolve(name)
	}
	return out
}
