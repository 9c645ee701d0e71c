// Package postgres is the PostgreSQL sink, built on a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

// maxParams is the bind-parameter limit of the Postgres wire protocol.
const maxParams = 65535

func init() {
	storage.Register("postgres", New)
}

// Sink upserts rows into Postgres tables named after the mapping entities.
//
// A Write is one transaction. Each table is created or widened, then locked
// IN EXCLUSIVE MODE, so concurrent converters writing the same tables
// serialize per file instead of interleaving upserts.
type Sink struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// New connects to cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Sink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Sink{pool: pool, log: cfg.Log()}, nil
}

// Close closes the pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

// Write implements storage.Sink.
func (s *Sink) Write(ctx context.Context, tables table.Tables, layout *table.Layout) error {
	specs, err := storage.Plan(tables, layout, true)
	if err != nil || len(specs) == 0 {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	for _, spec := range specs {
		for _, stmt := range buildEnsureTableSQL(spec) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("postgres: ensure table %s: %w", spec.Name, err)
			}
		}
		s.log.WithFields(logrus.Fields{"table": spec.Name, "rows": len(spec.Rows)}).Debug("writing records")
		for _, chunk := range storage.ChunkRows(spec.Rows, len(spec.Columns), maxParams) {
			query, args := buildUpsertSQL(spec, chunk)
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("postgres: insert %s: %w", spec.Name, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildEnsureTableSQL returns the statements that make spec's table exist
// with every layout column and lock it for the rest of the transaction.
func buildEnsureTableSQL(spec storage.TableSpec) []string {
	name := pgIdent(spec.Name)

	defs := make([]string, 0, len(spec.Columns))
	adds := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		def := pgIdent(c.Name) + " " + storage.SQLType(c, "TEXT")
		if c.Name == table.IDColumn {
			defs = append(defs, def+" NOT NULL PRIMARY KEY")
			continue
		}
		defs = append(defs, def)
		adds = append(adds, "ADD COLUMN IF NOT EXISTS "+def)
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", name, strings.Join(defs, ",\n  "))}
	if len(adds) > 0 {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s %s", name, strings.Join(adds, ", ")))
	}
	return append(stmts, fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", name))
}

// buildUpsertSQL renders one multi-row INSERT with $n placeholders. Tables
// with an id column update every other column on conflict.
func buildUpsertSQL(spec storage.TableSpec, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(spec.Columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range spec.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if spec.HasID() {
		var sets []string
		for _, c := range spec.Columns {
			if c.Name != table.IDColumn {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c.Name), pgIdent(c.Name)))
			}
		}
		b.WriteString(" ON CONFLICT (")
		b.WriteString(pgIdent(table.IDColumn))
		if len(sets) == 0 {
			b.WriteString(") DO NOTHING")
		} else {
			b.WriteString(") DO UPDATE SET ")
			b.WriteString(strings.Join(sets, ", "))
		}
	}
	return b.String(), args
}
