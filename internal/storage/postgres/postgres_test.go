package postgres

import (
	"context"
	"strings"
	"testing"

	"patentetl/internal/storage"
	"patentetl/internal/table"
)

func claimSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:    "claim",
		Columns: []table.Column{{Name: "id"}, {Name: "grant_id"}, {Name: "num", Type: "integer"}},
	}
}

// TestBuildEnsureTableSQL verifies create, widen and lock statements.
func TestBuildEnsureTableSQL(t *testing.T) {
	t.Parallel()

	stmts := buildEnsureTableSQL(claimSpec())
	if len(stmts) != 3 {
		t.Fatalf("stmts=%v", stmts)
	}
	if !strings.HasPrefix(stmts[0], `CREATE TABLE IF NOT EXISTS "claim"`) ||
		!strings.Contains(stmts[0], `"id" TEXT NOT NULL PRIMARY KEY`) ||
		!strings.Contains(stmts[0], `"num" INTEGER`) {
		t.Fatalf("create=%s", stmts[0])
	}
	if want := `ALTER TABLE "claim" ADD COLUMN IF NOT EXISTS "grant_id" TEXT, ADD COLUMN IF NOT EXISTS "num" INTEGER`; stmts[1] != want {
		t.Fatalf("alter=%s\nwant %s", stmts[1], want)
	}
	if stmts[2] != `LOCK TABLE "claim" IN EXCLUSIVE MODE` {
		t.Fatalf("lock=%s", stmts[2])
	}

	onlyID := buildEnsureTableSQL(storage.TableSpec{Name: "t", Columns: []table.Column{{Name: "id"}}})
	if len(onlyID) != 2 {
		t.Fatalf("only-id stmts=%v", onlyID)
	}
}

// TestBuildUpsertSQL verifies placeholder numbering and the conflict clause.
func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildUpsertSQL(claimSpec(), [][]any{{"c1", "g1", "1"}, {"c2", "g1", nil}})
	want := `INSERT INTO "claim" ("id", "grant_id", "num") VALUES ($1, $2, $3), ($4, $5, $6)` +
		` ON CONFLICT ("id") DO UPDATE SET "grant_id" = EXCLUDED."grant_id", "num" = EXCLUDED."num"`
	if q != want {
		t.Fatalf("query=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 6 || args[3] != "c2" || args[5] != nil {
		t.Fatalf("args=%v", args)
	}

	plain := storage.TableSpec{Name: `we"ird`, Columns: []table.Column{{Name: "x"}}}
	q, _ = buildUpsertSQL(plain, [][]any{{"a"}})
	if q != `INSERT INTO "we""ird" ("x") VALUES ($1)` {
		t.Fatalf("query=%s", q)
	}
}

// TestNew_RequiresDSN verifies a DSN is mandatory.
func TestNew_RequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), storage.Config{Kind: "postgres"}); err == nil {
		t.Fatalf("expected error")
	}
}
