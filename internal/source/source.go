// Package source enumerates and opens input archives.
package source

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// LocationError reports an input that is neither a file nor a directory.
type LocationError struct {
	Path string
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("input %s is neither a file nor a directory", e.Path)
}

// Expand turns input arguments into a de-duplicated list of files. Inputs
// keep the order they were given in; the files of one directory or glob are
// sorted by name.
//
// Each input may be a file, a directory or a glob pattern, with a leading ~
// expanded to the home directory. Directories contribute their *.xml files
// (any case, optionally compressed), recursively when recurse is set. A glob
// that matches nothing contributes nothing; a literal path that does not
// exist is a *LocationError.
func Expand(inputs []string, recurse bool) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, in := range inputs {
		in = expandHome(in)
		paths := []string{in}
		if hasMeta(in) {
			var err error
			if paths, err = filepath.Glob(in); err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", in, err)
			}
		}
		for _, p := range paths {
			st, err := os.Stat(p)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, &LocationError{Path: p}
				}
				return nil, fmt.Errorf("stat %s: %w", p, err)
			}
			switch {
			case st.Mode().IsRegular():
				add(p)
			case st.IsDir():
				files, err := listDir(p, recurse)
				if err != nil {
					return nil, err
				}
				for _, f := range files {
					add(f)
				}
			default:
				return nil, &LocationError{Path: p}
			}
		}
	}

	return out, nil
}

func listDir(dir string, recurse bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && !recurse {
				return filepath.SkipDir
			}
			return nil
		}
		if IsXMLName(d.Name()) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// IsXMLName reports whether name looks like an XML archive, compressed or not.
func IsXMLName(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".xml", ".xml.gz", ".xml.zst"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// DisplayName is the name used for an input in output rows and logs.
func DisplayName(path string) string {
	return filepath.Base(path)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[`)
}

// Open opens path for reading, transparently decompressing .gz and .zst
// files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".gz"):
		zr, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		return &stacked{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case strings.HasSuffix(lower, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		return &stacked{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), f}}, nil
	default:
		return f, nil
	}
}

// stacked closes a decompressor and the file beneath it.
type stacked struct {
	io.Reader
	closers []io.Closer
}

func (s *stacked) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
