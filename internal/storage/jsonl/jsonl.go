// Package jsonl writes one newline-delimited JSON file per table. Each line
// is an object whose keys follow the layout column order; absent fields and
// explicit nulls are both written as null.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

func init() {
	storage.Register("jsonl", New)
}

// Sink appends rows to <dir>/<table>.jsonl.
type Sink struct {
	dir string
	log logrus.FieldLogger
}

// New returns a JSONL sink writing into cfg.OutputDir.
func New(_ context.Context, cfg storage.Config) (storage.Sink, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("jsonl: output directory is required")
	}
	return &Sink{dir: cfg.OutputDir, log: cfg.Log()}, nil
}

// Write implements storage.Sink.
func (s *Sink) Write(ctx context.Context, tables table.Tables, layout *table.Layout) error {
	specs, err := storage.Plan(tables, layout, false)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeTable(spec); err != nil {
			return fmt.Errorf("jsonl: %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (s *Sink) writeTable(spec storage.TableSpec) (err error) {
	path := filepath.Join(s.dir, spec.Name+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	keys, err := encodeKeys(spec.ColumnNames())
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 1<<16)
	var line bytes.Buffer
	for _, row := range spec.Rows {
		line.Reset()
		if err := encodeRow(&line, keys, row); err != nil {
			return err
		}
		if _, err := bw.Write(line.Bytes()); err != nil {
			return err
		}
	}
	s.log.WithFields(logrus.Fields{"table": spec.Name, "rows": len(spec.Rows)}).Debug("wrote jsonl rows")
	return bw.Flush()
}

func encodeKeys(names []string) ([][]byte, error) {
	out := make([][]byte, len(names))
	for i, n := range names {
		b, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// encodeRow writes one object with keys in column order and a trailing
// newline.
func encodeRow(buf *bytes.Buffer, keys [][]byte, row []any) error {
	buf.WriteByte('{')
	for i, v := range row {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(keys[i])
		buf.WriteByte(':')
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	buf.WriteString("}\n")
	return nil
}

// Close implements storage.Sink.
func (s *Sink) Close() error { return nil }
