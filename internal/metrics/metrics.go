// Package metrics is a small, backend-agnostic metrics facade.
//
// Conversion code records through the package-level helpers; the CLI picks a
// backend once at startup with SetBackend. Until then every call goes to a
// no-op backend, so tests and library callers never need to configure
// anything.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions, e.g. {"stage": "parse", "status": "error"}.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names recorded by the converter.
const (
	// DocumentsTotal counts documents by stage (split, parse, extract) and
	// status (ok, error, dropped).
	DocumentsTotal = "xml_documents_total"
	// RowsTotal counts rows handed to the sink, by table.
	RowsTotal = "xml_rows_total"
	// FilesTotal counts input files by status.
	FilesTotal = "xml_files_total"
	// StepDurationSeconds observes the duration of a step (convert, flush)
	// by status.
	StepDurationSeconds = "xml_step_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named histogram.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the current backend to submit buffered data.
func Flush() error {
	return current().Flush()
}

// RecordDocument counts one document outcome.
func RecordDocument(stage, status string) {
	IncCounter(DocumentsTotal, 1, Labels{"stage": stage, "status": status})
}

// RecordRows counts rows written to table.
func RecordRows(table string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"table": table})
}

// RecordFile counts one processed input file.
func RecordFile(status string) {
	IncCounter(FilesTotal, 1, Labels{"status": status})
}

// RecordStep observes how long step took since start.
func RecordStep(step, status string, start time.Time) {
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), Labels{"step": step, "status": status})
}

// StatusOf maps err to the "ok"/"error" status label.
func StatusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
