package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

// recordingExec captures statements instead of running them.
type recordingExec struct {
	queries []string
	args    [][]any
	failOn  string
}

func (r *recordingExec) ExecContext(_ context.Context, q string, args ...any) (sql.Result, error) {
	if r.failOn != "" && strings.Contains(q, r.failOn) {
		return nil, errors.New("boom")
	}
	r.queries = append(r.queries, q)
	r.args = append(r.args, args)
	return nil, nil
}

func inventorSpec(rows int) storage.TableSpec {
	spec := storage.TableSpec{Name: "inventor", Columns: []table.Column{{Name: "id"}, {Name: "grant_id"}, {Name: "name"}}}
	for i := 0; i < rows; i++ {
		spec.Rows = append(spec.Rows, []any{i, "g", nil})
	}
	return spec
}

// TestBuildEnsureTableSQL verifies the guarded create and the add-column
// statements.
func TestBuildEnsureTableSQL(t *testing.T) {
	t.Parallel()

	stmts := buildEnsureTableSQL(inventorSpec(0))
	if len(stmts) != 3 {
		t.Fatalf("stmts=%v", stmts)
	}
	want := "IF OBJECT_ID(N'inventor', N'U') IS NULL BEGIN CREATE TABLE [inventor] ([id] NVARCHAR(450) NOT NULL PRIMARY KEY, [grant_id] NVARCHAR(MAX), [name] NVARCHAR(MAX)); END;"
	if stmts[0] != want {
		t.Fatalf("create=\n%s\nwant\n%s", stmts[0], want)
	}
	if stmts[2] != "IF COL_LENGTH(N'inventor', N'name') IS NULL ALTER TABLE [inventor] ADD [name] NVARCHAR(MAX);" {
		t.Fatalf("alter=%s", stmts[2])
	}
}

// TestBuildMergeSQL verifies the MERGE shape and parameter numbering.
func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	spec := inventorSpec(2)
	q, args := buildMergeSQL(spec, spec.Rows)
	want := "MERGE INTO [inventor] WITH (TABLOCKX, HOLDLOCK) AS tgt USING (VALUES (@p1, @p2, @p3), (@p4, @p5, @p6)) AS src ([id], [grant_id], [name])" +
		" ON tgt.[id] = src.[id] WHEN MATCHED THEN UPDATE SET tgt.[grant_id] = src.[grant_id], tgt.[name] = src.[name]" +
		" WHEN NOT MATCHED THEN INSERT ([id], [grant_id], [name]) VALUES (src.[id], src.[grant_id], src.[name]);"
	if q != want {
		t.Fatalf("query=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 6 {
		t.Fatalf("args=%v", args)
	}

	noID := storage.TableSpec{Name: "x]y", Columns: []table.Column{{Name: "v"}}}
	q, _ = buildMergeSQL(noID, [][]any{{"a"}})
	if q != "INSERT INTO [x]]y] WITH (TABLOCKX) ([v]) VALUES (@p1);" {
		t.Fatalf("insert=%s", q)
	}
}

// TestWriteSpecs_Chunks verifies large tables are split under the parameter
// and row limits and errors name the table.
func TestWriteSpecs_Chunks(t *testing.T) {
	t.Parallel()

	s := &Sink{log: storage.Config{}.Log()}
	rec := &recordingExec{}
	if err := s.writeSpecs(context.Background(), rec, []storage.TableSpec{inventorSpec(1500)}); err != nil {
		t.Fatalf("writeSpecs: %v", err)
	}
	var merges int
	for i, q := range rec.queries {
		if strings.HasPrefix(q, "MERGE") {
			merges++
			if n := len(rec.args[i]); n > maxParams {
				t.Fatalf("merge with %d params", n)
			}
		}
	}
	// 2000/3 = 666 rows per statement.
	if merges != 3 {
		t.Fatalf("merges=%d, want 3", merges)
	}

	failing := &recordingExec{failOn: "MERGE"}
	err := s.writeSpecs(context.Background(), failing, []storage.TableSpec{inventorSpec(1)})
	if err == nil || !strings.Contains(err.Error(), "inventor") {
		t.Fatalf("err=%v", err)
	}
}
