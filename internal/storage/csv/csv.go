// Package csv writes one CSV file per table into the output directory.
package csv

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

func init() {
	storage.Register("csv", New)
}

// Sink appends rows to <dir>/<table>.csv. The header row, in layout order,
// is written only when the file is created.
type Sink struct {
	dir string
	log logrus.FieldLogger
}

// New returns a CSV sink writing into cfg.OutputDir.
func New(_ context.Context, cfg storage.Config) (storage.Sink, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("csv: output directory is required")
	}
	return &Sink{dir: cfg.OutputDir, log: cfg.Log()}, nil
}

// Path returns the file a table is written to.
func (s *Sink) Path(tbl string) string {
	return filepath.Join(s.dir, tbl+".csv")
}

// Write implements storage.Sink.
func (s *Sink) Write(ctx context.Context, tables table.Tables, layout *table.Layout) error {
	specs, err := storage.Plan(tables, layout, false)
	if err != nil {
		return err
	}
	s.log.WithField("dir", s.dir).Info("writing csv files")
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeTable(spec); err != nil {
			return fmt.Errorf("csv: %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (s *Sink) writeTable(spec storage.TableSpec) (err error) {
	path := s.Path(spec.Name)
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return statErr
	}
	if exists {
		s.log.WithField("path", path).Debug("csv file exists; records will be appended")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriterSize(f, 1<<16)
	w := csv.NewWriter(bw)
	if !exists {
		if err := w.Write(spec.ColumnNames()); err != nil {
			return err
		}
	}
	record := make([]string, len(spec.Columns))
	for _, row := range spec.Rows {
		for i, v := range row {
			record[i] = storage.CellText(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"table": spec.Name, "rows": len(spec.Rows)}).Debug("wrote csv rows")
	return bw.Flush()
}

// Close implements storage.Sink. Files are closed after every Write.
func (s *Sink) Close() error { return nil }
