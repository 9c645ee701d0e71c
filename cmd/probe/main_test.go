package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"patentetl/internal/mapping"
)

// TestHelperProcess is a subprocess entrypoint used by tests.
//
// The parent test runs the current test binary with
// -test.run=TestHelperProcess and GO_WANT_HELPER_PROCESS=1, so main() can
// call os.Exit without ending the test run. Arguments after a literal "--"
// are the command's arguments.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	i := 0
	for ; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
	}
	if i < len(args) {
		os.Args = append([]string{args[0]}, args[i+1:]...)
	} else {
		os.Args = []string{args[0]}
	}

	main()
	os.Exit(0)
}

// runCmd executes main() in a subprocess and returns its stdout, stderr and
// exit code.
func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	cmdArgs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
	cmd := exec.Command(os.Args[0], cmdArgs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if err == nil {
		return stdout, stderr, 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return stdout, stderr, ee.ExitCode()
	}
	t.Fatalf("unexpected run error: %T: %v", err, err)
	return "", "", 1
}

const sample = `<?xml version="1.0"?>
<!DOCTYPE rec>
<rec><num>N1</num><title>a</title><part>x</part><part>y</part></rec>
<?xml version="1.0"?>
<!DOCTYPE rec>
<rec><num>N2</num><title>b</title><part>z</part></rec>
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.xml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

// TestMain_DefaultMode_EmitsLoadableMapping verifies stdout is a mapping
// xml_to_tabular can compile.
func TestMain_DefaultMode_EmitsLoadableMapping(t *testing.T) {
	t.Parallel()

	stdout, stderr, code := runCmd(t, "-i", writeSample(t))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d\nstderr:\n%s\nstdout:\n%s", code, stderr, stdout)
	}
	m, err := mapping.Parse([]byte(stdout))
	if err != nil {
		t.Fatalf("stdout is not a valid mapping: %v\nstdout:\n%s", err, stdout)
	}
	if m.Root != "rec" {
		t.Fatalf("Root=%q, want rec", m.Root)
	}
	if !strings.Contains(stdout, "<primary_key>: num") {
		t.Fatalf("expected num as primary key, got:\n%s", stdout)
	}
}

// TestMain_ReportMode_PrintsPaths verifies report mode prints the path report
// and no mapping.
func TestMain_ReportMode_PrintsPaths(t *testing.T) {
	t.Parallel()

	stdout, stderr, code := runCmd(t, "-report", writeSample(t))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d\nstderr:\n%s", code, stderr)
	}
	if !strings.Contains(stdout, "part docs=2 max_per_parent=2 text=true") {
		t.Fatalf("expected part statistics, got:\n%s", stdout)
	}
	if strings.Contains(stdout, "xml_root") {
		t.Fatalf("expected report-only output, got:\n%s", stdout)
	}
}

// TestMain_OutputFile_RefusesOverwrite verifies -o writes once and never
// clobbers an existing file.
func TestMain_OutputFile_RefusesOverwrite(t *testing.T) {
	t.Parallel()

	in := writeSample(t)
	out := filepath.Join(t.TempDir(), "mapping.yaml")
	if _, stderr, code := runCmd(t, "-i", in, "-o", out); code != 0 {
		t.Fatalf("first run exit=%d stderr=%s", code, stderr)
	}
	if _, err := mapping.Load(out); err != nil {
		t.Fatalf("load written mapping: %v", err)
	}
	_, stderr, code := runCmd(t, "-i", in, "-o", out)
	if code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("second run exit=%d stderr=%s", code, stderr)
	}
}

// TestMain_MissingInput_ExitsWith2 verifies the usage error path.
func TestMain_MissingInput_ExitsWith2(t *testing.T) {
	t.Parallel()

	stdout, stderr, code := runCmd(t)
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d\nstderr:\n%s\nstdout:\n%s", code, stderr, stdout)
	}
	if !strings.Contains(stderr, "missing -i") {
		t.Fatalf("expected missing -i message on stderr, got:\n%s", stderr)
	}
}
