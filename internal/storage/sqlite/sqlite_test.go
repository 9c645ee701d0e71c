package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

func openSink(t *testing.T, dir string) *Sink {
	t.Helper()
	s, err := New(context.Background(), storage.Config{OutputDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Sink)
}

// TestSink_UpsertAndAddColumns writes two files' worth of tables to a real
// database and checks the primary key, upsert and column evolution.
func TestSink_UpsertAndAddColumns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openSink(t, dir)
	ctx := context.Background()

	l1 := table.NewLayout()
	l1.Add("grant", table.Column{Name: "id"}, table.Column{Name: "title"})
	if err := s.Write(ctx, table.Tables{"grant": {
		{"id": "g1", "title": "first"},
		{"id": "g2", "title": "second"},
		{"id": "g1", "title": "first, again"},
	}}, l1); err != nil {
		t.Fatalf("Write 1: %v", err)
	}

	l2 := table.NewLayout()
	l2.Add("grant", table.Column{Name: "id"}, table.Column{Name: "title"}, table.Column{Name: "grant_date", Type: "date"})
	if err := s.Write(ctx, table.Tables{"grant": {{"id": "g2", "title": "second v2", "grant_date": "20240102"}}}, l2); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, title, grant_date FROM "grant" ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var id, title string
		var date sql.NullString
		if err := rows.Scan(&id, &title, &date); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, id+"|"+title+"|"+date.String)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	want := "g1|first, again||g2|second v2|20240102"
	if strings.Join(got, "|") != want {
		t.Fatalf("rows=%v, want %s", got, want)
	}

	// The id column is the primary key.
	var pk int
	if err := s.db.QueryRowContext(ctx, `SELECT pk FROM pragma_table_info('grant') WHERE name = 'id'`).Scan(&pk); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if pk != 1 {
		t.Fatalf("id pk=%d, want 1", pk)
	}
}

// TestSink_AppendsToExistingFile verifies a second sink on the same directory
// keeps earlier rows.
func TestSink_AppendsToExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := table.NewLayout()
	l.Add("claim", table.Column{Name: "id"}, table.Column{Name: "text"})

	first := openSink(t, dir)
	if err := first.Write(context.Background(), table.Tables{"claim": {{"id": "c1", "text": "a"}}}, l); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = first.Close()

	second := openSink(t, dir)
	if err := second.Write(context.Background(), table.Tables{"claim": {{"id": "c2", "text": "b"}}}, l); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var n int
	if err := second.db.QueryRow(`SELECT count(*) FROM claim`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count=%d, want 2", n)
	}
}

// TestBuildUpsertSQL covers the statement shapes without a database.
func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{Name: "inventor", Columns: []table.Column{{Name: "id"}, {Name: "grant_id"}, {Name: "name"}}}
	q, args := buildUpsertSQL(spec, [][]any{{"a", "g", "x"}, {"b", "g", nil}})
	want := `INSERT INTO "inventor" ("id", "grant_id", "name") VALUES (?,?,?), (?,?,?) ON CONFLICT ("id") DO UPDATE SET "grant_id" = excluded."grant_id", "name" = excluded."name"`
	if q != want {
		t.Fatalf("query=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 6 || args[5] != nil {
		t.Fatalf("args=%v", args)
	}

	onlyID := storage.TableSpec{Name: "t", Columns: []table.Column{{Name: "id"}}}
	if q, _ := buildUpsertSQL(onlyID, [][]any{{"a"}}); !strings.HasSuffix(q, `ON CONFLICT ("id") DO NOTHING`) {
		t.Fatalf("query=%s", q)
	}

	noID := storage.TableSpec{Name: "t", Columns: []table.Column{{Name: "x"}}}
	if q, _ := buildUpsertSQL(noID, [][]any{{"a"}}); strings.Contains(q, "ON CONFLICT") {
		t.Fatalf("query=%s", q)
	}

	ddl := buildCreateTableSQL(storage.TableSpec{Name: "g", Columns: []table.Column{{Name: "id"}, {Name: "d", Type: "date"}}})
	if !strings.Contains(ddl, `"id" TEXT NOT NULL PRIMARY KEY`) || !strings.Contains(ddl, `"d" DATE`) {
		t.Fatalf("ddl=%s", ddl)
	}
}
