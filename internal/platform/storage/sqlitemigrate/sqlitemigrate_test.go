package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyRunsEachFileOnce(t *testing.T) {
	db := openDB(t)
	fsys := fstest.MapFS{
		"m/001_init.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE a (id INTEGER);\n-- +migrate Down\nDROP TABLE a;\n")},
		"m/002_more.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"m/notes.txt":    {Data: []byte("ignored")},
	}
	ctx := context.Background()
	if err := Apply(ctx, db, fsys, "m"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := Apply(ctx, db, fsys, "m"); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", n)
	}
	if _, err := db.Exec(`INSERT INTO a (id) VALUES (1)`); err != nil {
		t.Fatalf("table a missing: %v", err)
	}
}

func TestUpSection(t *testing.T) {
	got := UpSection("-- +migrate Up\nSELECT 1;\n-- +migrate Down\nSELECT 2;")
	if got != "\nSELECT 1;\n" {
		t.Fatalf("unexpected up section: %q", got)
	}
	if UpSection("SELECT 3;") != "SELECT 3;" {
		t.Fatalf("marker-less file should be returned whole")
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if err := Apply(context.Background(), nil, fstest.MapFS{}, "."); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
