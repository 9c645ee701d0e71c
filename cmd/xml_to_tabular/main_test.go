package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testMapping = `
xml_root: doc
doc:
  <entity>: doc
  <primary_key>: num
  <filename_field>: file
  <fields>:
    title: title
    item:
      <entity>: item
      <fields>:
        .: value
`

const testInput = `<?xml version="1.0"?>
<!DOCTYPE doc>
<doc><num>D1</num><title>First</title><item>a</item><item>b</item></doc>
<?xml version="1.0"?>
<!DOCTYPE doc>
<doc><num>D2</num><title>Second</title></doc>
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

// TestRun_CSV converts a directory of archives end to end and checks the
// written tables.
func TestRun_CSV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "mapping.yaml")
	writeFile(t, cfg, testMapping)
	writeFile(t, filepath.Join(dir, "in", "a.xml"), testInput)
	out := filepath.Join(dir, "out", "nested")

	var stderr bytes.Buffer
	err := run(context.Background(), []string{
		"-c", cfg, "-d", dir, "-o", out, "-processes", "2", "-q",
		filepath.Join(dir, "in"),
	}, &stderr)
	if err != nil {
		t.Fatalf("run() err=%v stderr=%s", err, stderr.String())
	}

	wantDoc := "id,file,title\nD1,a.xml,First\nD2,a.xml,Second\n"
	if got := readFile(t, filepath.Join(out, "doc.csv")); got != wantDoc {
		t.Fatalf("doc.csv=\n%s\nwant\n%s", got, wantDoc)
	}
	wantItem := "id,doc_id,value\nD1_0,D1,a\nD1_1,D1,b\n"
	if got := readFile(t, filepath.Join(out, "item.csv")); got != wantItem {
		t.Fatalf("item.csv=\n%s\nwant\n%s", got, wantItem)
	}
}

// TestRun_SQLite verifies the sqlite output kind creates its database in the
// output directory.
func TestRun_SQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "mapping.yaml")
	writeFile(t, cfg, testMapping)
	in := filepath.Join(dir, "a.xml")
	writeFile(t, in, testInput)

	var stderr bytes.Buffer
	if err := run(context.Background(), []string{"-c", cfg, "-d", dir, "-o", dir, "-output-type", "sqlite", "-q", "-i", in}, &stderr); err != nil {
		t.Fatalf("run() err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db.sqlite")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
}

// TestRun_DocumentFailure verifies a broken document fails the run unless
// -continue-on-error is set.
func TestRun_DocumentFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "mapping.yaml")
	writeFile(t, cfg, testMapping)
	in := filepath.Join(dir, "a.xml")
	writeFile(t, in, testInput+"<?xml version=\"1.0\"?>\n<!DOCTYPE doc>\n<doc><num>D3</num></dco>\n")

	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-c", cfg, "-d", dir, "-o", filepath.Join(dir, "strict"), "-q", in}, &stderr)
	if err == nil || errors.Is(err, errUsage) {
		t.Fatalf("run() err=%v, want document error", err)
	}

	out := filepath.Join(dir, "tolerant")
	if err := run(context.Background(), []string{"-c", cfg, "-d", dir, "-o", out, "-q", "-continue-on-error", in}, &stderr); err != nil {
		t.Fatalf("run() with -continue-on-error err=%v", err)
	}
	if got := readFile(t, filepath.Join(out, "doc.csv")); strings.Count(got, "\n") != 3 {
		t.Fatalf("doc.csv=\n%s", got)
	}
}

// TestRun_UsageErrors verifies missing required flags and unknown output
// kinds are reported.
func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "mapping.yaml")
	writeFile(t, cfg, testMapping)

	tests := []struct {
		name  string
		args  []string
		usage bool
	}{
		{name: "no_input", args: []string{"-c", cfg, "-o", dir}, usage: true},
		{name: "no_config", args: []string{"-o", dir, "x.xml"}, usage: true},
		{name: "no_output", args: []string{"-c", cfg, "x.xml"}, usage: true},
		{name: "bad_flag", args: []string{"-nope"}, usage: true},
		{name: "bad_encoding", args: []string{"-c", cfg, "-o", dir, "-encoding", "klingon", dir}, usage: true},
		{name: "missing_input", args: []string{"-c", cfg, "-o", dir, filepath.Join(dir, "missing.xml")}},
		{name: "unknown_kind", args: []string{"-c", cfg, "-o", dir, "-output-type", "parquet", dir}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stderr bytes.Buffer
			err := run(context.Background(), append([]string{"-q"}, tc.args...), &stderr)
			if err == nil {
				t.Fatalf("run(%v) succeeded", tc.args)
			}
			if got := errors.Is(err, errUsage); got != tc.usage {
				t.Fatalf("run(%v) err=%v, usage=%v want %v", tc.args, err, got, tc.usage)
			}
		})
	}
}
