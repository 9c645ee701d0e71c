// Package sqlite is the SQLite sink, backed by the pure-Go modernc.org/sqlite
// driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

// maxParams is SQLite's default SQLITE_MAX_VARIABLE_NUMBER.
const maxParams = 32766

// DefaultFile is the database file created in the output directory when no
// DSN is given.
const DefaultFile = "db.sqlite"

func init() {
	storage.Register("sqlite", New)
}

// Sink upserts rows into SQLite tables named after the mapping entities.
//
// Every Write runs in one BEGIN EXCLUSIVE transaction on a single
// connection. Durability is traded for speed (synchronous=OFF,
// journal_mode=MEMORY): a crash mid-run can lose the file being written, and
// re-running the file is the recovery.
type Sink struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// New opens cfg.DSN, or <OutputDir>/db.sqlite when DSN is empty.
func New(ctx context.Context, cfg storage.Config) (storage.Sink, error) {
	log := cfg.Log()
	dsn := cfg.DSN
	if dsn == "" {
		if cfg.OutputDir == "" {
			return nil, errors.New("sqlite: DSN or output directory is required")
		}
		path, err := filepath.Abs(filepath.Join(cfg.OutputDir, DefaultFile))
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); err == nil {
			log.WithField("path", path).Warn("sqlite database exists; records will be appended")
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps pragmas and the exclusive transaction together.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, pragma := range []string{"PRAGMA synchronous=OFF", "PRAGMA journal_mode=MEMORY"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return &Sink{db: db, log: log}, nil
}

// Close closes the database.
func (s *Sink) Close() error { return s.db.Close() }

// Write implements storage.Sink.
func (s *Sink) Write(ctx context.Context, tables table.Tables, layout *table.Layout) (err error) {
	specs, err := storage.Plan(tables, layout, true)
	if err != nil || len(specs) == 0 {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			// A context cancellation must not leave the connection mid-transaction.
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	for _, spec := range specs {
		if err := s.ensureTable(ctx, conn, spec); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{"table": spec.Name, "rows": len(spec.Rows)}).Debug("writing records")
		for _, chunk := range storage.ChunkRows(spec.Rows, len(spec.Columns), maxParams) {
			query, args := buildUpsertSQL(spec, chunk)
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("sqlite: insert %s: %w", spec.Name, err)
			}
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// ensureTable creates spec's table or adds the columns an older run did not
// know about.
func (s *Sink) ensureTable(ctx context.Context, conn *sql.Conn, spec storage.TableSpec) error {
	if _, err := conn.ExecContext(ctx, buildCreateTableSQL(spec)); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", spec.Name, err)
	}
	existing, err := tableColumns(ctx, conn, spec.Name)
	if err != nil {
		return err
	}
	for _, c := range spec.Columns {
		if existing[strings.ToLower(c.Name)] {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", sqlIdent(spec.Name), sqlIdent(c.Name), storage.SQLType(c, "TEXT"))
		if _, err := conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: add column %s.%s: %w", spec.Name, c.Name, err)
		}
		s.log.WithFields(logrus.Fields{"table": spec.Name, "column": c.Name}).Info("added column")
	}
	return nil
}

func tableColumns(ctx context.Context, conn *sql.Conn, name string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqlIdent(name)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for rows.Next() {
		// cid, name, type, notnull, dflt_value, pk
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out[strings.ToLower(storage.CellText(vals[1]))] = true
	}
	return out, rows.Err()
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildCreateTableSQL renders the DDL for spec: text columns unless hinted,
// with id as a non-null primary key when present.
func buildCreateTableSQL(spec storage.TableSpec) string {
	parts := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		col := sqlIdent(c.Name) + " " + storage.SQLType(c, "TEXT")
		if c.Name == table.IDColumn {
			col += " NOT NULL PRIMARY KEY"
		}
		parts = append(parts, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", sqlIdent(spec.Name), strings.Join(parts, ",\n  "))
}

// buildUpsertSQL renders one multi-row INSERT for rows. Tables with an id
// column update every other column on conflict, so the last write wins.
func buildUpsertSQL(spec storage.TableSpec, rows [][]any) (string, []any) {
	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = sqlIdent(c.Name)
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(cols)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	if spec.HasID() {
		var sets []string
		for _, c := range spec.Columns {
			if c.Name != table.IDColumn {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", sqlIdent(c.Name), sqlIdent(c.Name)))
			}
		}
		b.WriteString(" ON CONFLICT (")
		b.WriteString(sqlIdent(table.IDColumn))
		if len(sets) == 0 {
			b.WriteString(") DO NOTHING")
		} else {
			b.WriteString(") DO UPDATE SET ")
			b.WriteString(strings.Join(sets, ", "))
		}
	}
	return b.String(), args
}
