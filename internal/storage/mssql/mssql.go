// Package mssql is the Microsoft SQL Server sink.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

const (
	// maxParams stays under SQL Server's 2100 parameters per request.
	maxParams = 2000
	// maxRows is the row limit of a table value constructor.
	maxRows = 1000
	// idType fits SQL Server's 900-byte index key limit.
	idType = "NVARCHAR(450)"
)

func init() {
	storage.Register("mssql", New)
}

// execer is the part of *sql.Tx the writer needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Sink upserts rows into SQL Server tables named after the mapping entities.
// Each Write is one serializable transaction and every MERGE holds an
// exclusive table lock.
type Sink struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// New connects to cfg.DSN with the "sqlserver" driver.
func New(ctx context.Context, cfg storage.Config) (storage.Sink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("mssql: DSN is required")
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Sink{db: db, log: cfg.Log()}, nil
}

// Close closes the database handle.
func (s *Sink) Close() error { return s.db.Close() }

// Write implements storage.Sink.
func (s *Sink) Write(ctx context.Context, tables table.Tables, layout *table.Layout) error {
	specs, err := storage.Plan(tables, layout, true)
	if err != nil || len(specs) == 0 {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("mssql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.writeSpecs(ctx, tx, specs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func (s *Sink) writeSpecs(ctx context.Context, ex execer, specs []storage.TableSpec) error {
	for _, spec := range specs {
		for _, stmt := range buildEnsureTableSQL(spec) {
			if _, err := ex.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("mssql: ensure table %s: %w", spec.Name, err)
			}
		}
		s.log.WithFields(logrus.Fields{"table": spec.Name, "rows": len(spec.Rows)}).Debug("writing records")

		width := len(spec.Columns)
		for _, chunk := range storage.ChunkRows(spec.Rows, width, min(maxParams, maxRows*width)) {
			query, args := buildMergeSQL(spec, chunk)
			if _, err := ex.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("mssql: merge %s: %w", spec.Name, err)
			}
		}
	}
	return nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlLiteral returns an N'...' string literal.
func mssqlLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func columnDef(c table.Column) string {
	if c.Name == table.IDColumn {
		return mssqlIdent(c.Name) + " " + idType + " NOT NULL PRIMARY KEY"
	}
	return mssqlIdent(c.Name) + " " + storage.SQLType(c, "NVARCHAR(MAX)")
}

// buildEnsureTableSQL creates the table behind an OBJECT_ID guard and adds
// every column a previous run did not have.
func buildEnsureTableSQL(spec storage.TableSpec) []string {
	name := mssqlIdent(spec.Name)
	defs := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		defs[i] = columnDef(c)
	}
	stmts := []string{fmt.Sprintf(
		"IF OBJECT_ID(%s, N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		mssqlLiteral(spec.Name), name, strings.Join(defs, ", "),
	)}
	for _, c := range spec.Columns {
		if c.Name == table.IDColumn {
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			"IF COL_LENGTH(%s, %s) IS NULL ALTER TABLE %s ADD %s;",
			mssqlLiteral(spec.Name), mssqlLiteral(c.Name), name, columnDef(c),
		))
	}
	return stmts
}

// buildMergeSQL renders an upsert for rows. Tables without an id column get
// a plain INSERT.
func buildMergeSQL(spec storage.TableSpec, rows [][]any) (string, []any) {
	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = mssqlIdent(c.Name)
	}
	colList := strings.Join(cols, ", ")

	var values strings.Builder
	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if i > 0 {
			values.WriteString(", ")
		}
		values.WriteString("(")
		for j := range cols {
			if j > 0 {
				values.WriteString(", ")
			}
			fmt.Fprintf(&values, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		values.WriteString(")")
	}

	name := mssqlIdent(spec.Name)
	if !spec.HasID() {
		return fmt.Sprintf("INSERT INTO %s WITH (TABLOCKX) (%s) VALUES %s;", name, colList, values.String()), args
	}

	id := mssqlIdent(table.IDColumn)
	var sets, srcCols []string
	for _, c := range cols {
		srcCols = append(srcCols, "src."+c)
		if c != id {
			sets = append(sets, fmt.Sprintf("tgt.%s = src.%s", c, c))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (TABLOCKX, HOLDLOCK) AS tgt USING (VALUES %s) AS src (%s) ON tgt.%s = src.%s",
		name, values.String(), colList, id, id)
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", colList, strings.Join(srcCols, ", "))
	return b.String(), args
}
