package store

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrdersAndSkipsEmpty(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_index.sql": {Data: []byte("CREATE INDEX x ON t (a);")},
		"migrations/001_init.sql":  {Data: []byte("CREATE TABLE t (a INT);\n")},
		"migrations/003_empty.sql": {Data: []byte("  \n")},
		"migrations/README.md":     {Data: []byte("notes")},
	}
	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].version != "001_init" || got[1].version != "002_index" {
		t.Fatalf("unexpected migrations %+v", got)
	}
	if got[0].sql != "CREATE TABLE t (a INT);" {
		t.Fatalf("expected trimmed sql, got %q", got[0].sql)
	}
}

func TestLoadMigrationsRequiresFiles(t *testing.T) {
	if _, err := loadMigrations(fstest.MapFS{"migrations/README.md": {Data: []byte("x")}}); err == nil {
		t.Fatalf("expected error without migrations")
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	got, err := loadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	if got[0].version != "001_init" {
		t.Fatalf("expected 001_init first, got %s", got[0].version)
	}
}

func TestRunMigrationsRecordsVersions(t *testing.T) {
	st := newTestStore(t) // already migrated once
	ctx := context.Background()

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var n int
	if err := st.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = '001_init'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 001_init recorded once, got %d", n)
	}
}
