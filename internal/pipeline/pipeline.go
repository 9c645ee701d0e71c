// Package pipeline drives the conversion of input archives: it splits each
// file into documents, parses and extracts them on a bounded worker pool,
// merges the per-document tables and hands the per-file aggregate to a sink.
//
// Files are processed one at a time. Inside a file, documents are handed to
// workers one by one and every worker returns only that document's rows; the
// calling goroutine is the only place where results are combined, in document
// order. Synthetic key counters stay private to one document no matter how
// many workers run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"patentetl/internal/extract"
	"patentetl/internal/mapping"
	"patentetl/internal/metrics"
	"patentetl/internal/source"
	"patentetl/internal/splitter"
	"patentetl/internal/table"
)

// progressEvery controls how often a debug progress line is logged.
const progressEvery = 100

// Parser parses one document's text. *xmldoc.Parser implements it.
type Parser interface {
	Parse(text string) (*xmlquery.Node, error)
}

// Writer persists the aggregate of one file. storage.Sink implements it.
type Writer interface {
	Write(ctx context.Context, tables table.Tables, layout *table.Layout) error
}

// DocumentError is a per-document failure: a syntax or validation error, a
// cardinality error, or a fragment the splitter had to drop.
type DocumentError struct {
	File string
	Line int
	// RecordID is the best-effort primary key of the failed record. It is
	// empty when it could not be recovered.
	RecordID string
	Err      error
}

func (e *DocumentError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s:%d (record %s): %v", e.File, e.Line, e.RecordID, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// Stats summarizes one converted file.
type Stats struct {
	Documents int
	Failed    int
	Dropped   int
	Rows      map[string]int
}

// Runner converts archives with one mapping.
//
// Mapping, Layout, Splitter, Parser and Sink are required. The mapping and
// layout are shared read-only by all workers.
type Runner struct {
	Mapping  *mapping.Mapping
	Layout   *table.Layout
	Splitter *splitter.Splitter
	Parser   Parser
	Sink     Writer

	// Logger defaults to a discard logger.
	Logger logrus.FieldLogger
	// Workers is the pool size. Zero or less means GOMAXPROCS-1, at least one.
	Workers int
	// ContinueOnError logs and skips failed documents instead of aborting.
	// Mapping schema errors abort regardless.
	ContinueOnError bool

	// Open opens an input path. Defaults to source.Open.
	Open func(path string) (io.ReadCloser, error)
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return discard
	}
	return r.Logger
}

func (r *Runner) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return max(runtime.GOMAXPROCS(0)-1, 1)
}

func (r *Runner) validate() error {
	switch {
	case r.Mapping == nil:
		return errors.New("pipeline: nil Mapping")
	case r.Layout == nil:
		return errors.New("pipeline: nil Layout")
	case r.Splitter == nil:
		return errors.New("pipeline: nil Splitter")
	case r.Parser == nil:
		return errors.New("pipeline: nil Parser")
	case r.Sink == nil:
		return errors.New("pipeline: nil Sink")
	}
	return nil
}

// Run converts files in order, flushing each file's tables to the sink before
// starting the next. The first fatal error stops the run; files already
// flushed stay written.
func (r *Runner) Run(ctx context.Context, files []string) error {
	if err := r.validate(); err != nil {
		return err
	}
	log := r.logger()
	if len(files) == 0 {
		log.Warn("no input files to process")
		return nil
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := r.runFile(ctx, path)
		metrics.RecordFile(metrics.StatusOf(err))
		metrics.RecordStep("convert", metrics.StatusOf(err), start)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runFile(ctx context.Context, path string) error {
	log := r.logger().WithField("file", path)
	log.Info("processing")

	tables, stats, err := r.ConvertFile(ctx, path)
	if err != nil {
		return err
	}
	if tables.Len() == 0 {
		log.WithField("documents", stats.Documents).Warn("no records found (mapping error?)")
		return nil
	}
	log.WithFields(logrus.Fields{"documents": stats.Documents, "failed": stats.Failed, "dropped": stats.Dropped}).Info("records processed")

	start := time.Now()
	err = r.Sink.Write(ctx, tables, r.Layout)
	metrics.RecordStep("flush", metrics.StatusOf(err), start)
	if err != nil {
		return fmt.Errorf("write %s: %w", source.DisplayName(path), err)
	}
	for name, n := range stats.Rows {
		metrics.RecordRows(name, n)
	}
	log.WithField("ms", time.Since(start).Milliseconds()).Debug("flushed")
	return nil
}

type job struct {
	seq int
	doc splitter.Document
}

// result is one document's contribution. tables is nil for a tolerated
// failure so the merge can move past its sequence number.
type result struct {
	seq    int
	tables table.Tables
}

// ConvertFile splits, parses and extracts every document of path and returns
// the merged tables. Nothing is written.
func (r *Runner) ConvertFile(ctx context.Context, path string) (table.Tables, Stats, error) {
	if err := r.validate(); err != nil {
		return nil, Stats{}, err
	}
	log := r.logger()
	name := source.DisplayName(path)
	open := r.Open
	if open == nil {
		open = source.Open
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan job)
	results := make(chan result)
	dropped := 0

	// Producer. Dropped fragments are handled here because the splitter
	// reports them inline.
	g.Go(func() error {
		defer close(jobs)
		seq := 0
		for doc, err := range r.Splitter.Documents(name, func() (io.ReadCloser, error) { return open(path) }) {
			if err != nil {
				var de *splitter.DroppedError
				if !errors.As(err, &de) {
					return err
				}
				dropped++
				metrics.RecordDocument("split", "dropped")
				if err := r.tolerate(&DocumentError{File: de.File, Line: de.Line, Err: de}, "split"); err != nil {
					return err
				}
				continue
			}
			select {
			case jobs <- job{seq: seq, doc: doc}:
				seq++
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	failed := make([]int, r.workers())
	for w := range failed {
		g.Go(func() error {
			for j := range jobs {
				tables, stage, err := r.processDocument(j.doc)
				if err != nil {
					metrics.RecordDocument(stage, "error")
					if extract.IsSchemaError(err) {
						return err
					}
					if err := r.tolerate(err, stage); err != nil {
						return err
					}
					failed[w]++
				} else {
					metrics.RecordDocument("extract", "ok")
				}
				select {
				case results <- result{seq: j.seq, tables: tables}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
		close(results)
	}()

	agg := table.Tables{}
	merged, next := 0, 0
	pending := map[int]table.Tables{}
	for res := range results {
		pending[res.seq] = res.tables
		for {
			tables, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if tables == nil {
				continue
			}
			if merged%progressEvery == 0 {
				log.WithFields(logrus.Fields{"file": name, "document": merged + 1}).Debug("processing document")
			}
			agg.Merge(tables)
			merged++
		}
	}
	if err := <-waitErr; err != nil {
		return nil, Stats{}, err
	}

	stats := Stats{Documents: merged, Dropped: dropped, Rows: agg.Counts()}
	for _, n := range failed {
		stats.Failed += n
	}
	return agg, stats, nil
}

// processDocument parses and extracts one document in isolation. The stage
// names where it failed.
func (r *Runner) processDocument(doc splitter.Document) (table.Tables, string, error) {
	tree, err := r.Parser.Parse(doc.Text)
	if err != nil {
		r.logger().WithFields(logrus.Fields{"file": doc.File, "line": doc.Line}).Debugf("document text:\n%s", doc.Text)
		return nil, "parse", &DocumentError{File: doc.File, Line: doc.Line, Err: err}
	}
	tables, err := extract.Extract(tree, r.Mapping, extract.Source{File: doc.File, Line: doc.Line})
	if err != nil {
		if extract.IsSchemaError(err) {
			return nil, "extract", err
		}
		return nil, "extract", &DocumentError{
			File:     doc.File,
			Line:     doc.Line,
			RecordID: extract.DiagnosticKey(tree, r.Mapping),
			Err:      err,
		}
	}
	return tables, "", nil
}

// tolerate logs a per-document failure and decides whether the run goes on.
func (r *Runner) tolerate(err error, stage string) error {
	fields := logrus.Fields{"stage": stage}
	var de *DocumentError
	if errors.As(err, &de) {
		fields["file"] = de.File
		fields["line"] = de.Line
		if de.RecordID != "" {
			fields["record_id"] = de.RecordID
		}
		err = de
	}
	var ce *extract.CardinalityError
	if errors.As(err, &ce) {
		fields["path"] = ce.Path
	}
	r.logger().WithFields(fields).Warn(errorText(err))
	if r.ContinueOnError {
		return nil
	}
	return err
}

func errorText(err error) string {
	var de *DocumentError
	if errors.As(err, &de) {
		return de.Err.Error()
	}
	return err.Error()
}
