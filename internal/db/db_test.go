package db

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
)

func openNestedDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "warden.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, path
}

func TestOpenCreatesSchema(t *testing.T) {
	d, _ := openNestedDB(t)

	for _, table := range []string{"schema_migrations", "api_keys", "audit_log", "blocked_ips", "quarantined_files", "backup_snapshots"} {
		var name string
		err := d.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	v, err := SchemaVersion(d)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("SchemaVersion = %d, want 1", v)
	}
}

func TestConnectionPragmas(t *testing.T) {
	d, _ := openNestedDB(t)
	// Force a second pooled connection.
	d.SetMaxIdleConns(0)

	for range 2 {
		var fk int
		if err := d.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatal(err)
		}
		if fk != 1 {
			t.Error("foreign_keys off on pooled connection")
		}
		var mode string
		if err := d.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatal(err)
		}
		if !strings.EqualFold(mode, "wal") {
			t.Errorf("journal_mode = %s", mode)
		}
	}
}

func TestReopenSkipsAppliedMigrations(t *testing.T) {
	first, path := openNestedDB(t)
	if _, err := CreateAPIKey(first, "abcdefgh", []byte("hash")); err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = second.Close() }()

	var rows int
	if err := second.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", rows)
	}
	if n, err := CountAPIKeys(second); err != nil || n != 1 {
		t.Errorf("CountAPIKeys after reopen = %d, %v", n, err)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		filename string
		want     int
		wantErr  bool
	}{
		{"001_init.sql", 1, false},
		{"042_snapshot_index.sql", 42, false},
		{"001.sql", 0, true},
		{"_init.sql", 0, true},
		{"v1_init.sql", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseVersion(tt.filename)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseVersion(%q) = %d, %v", tt.filename, got, err)
		}
	}
}
