package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

func TestNewDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	// Verify tables were created by querying sqlite_master.
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		tables = append(tables, name)
	}

	expected := map[string]bool{
		"suggestions":       true,
		"citations":         true,
		"entities":          true,
		"relationships":     true,
		"documents":         true,
		"suggestion_events": true,
		"audit_records":     true,
	}

	for _, tbl := range tables {
		delete(expected, tbl)
	}
	for tbl := range expected {
		t.Errorf("expected table %q not found", tbl)
	}
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// First open creates schema.
	db1, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	db1.Close()

	// Second open should not fail (IF NOT EXISTS).
	db2, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	db2.Close()
}

func TestNewDB_UnwritablePath(t *testing.T) {
	_, err := NewDB(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	if !errors.Is(err, domain.ErrStoreInit) {
		t.Errorf("err = %v, want ErrStoreInit", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DocumentRepo{}

	boom := errors.New("boom")
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := repo.SaveTx(ctx, tx, domain.Document{ID: "doc-1", ProjectID: "p1", Content: "x", UpdatedAt: 1}, 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want %v", err, boom)
	}
	if _, err := repo.GetByID(ctx, db, "doc-1"); !errors.Is(err, domain.ErrTargetNotFound) {
		t.Errorf("document should not exist after rollback, got %v", err)
	}
}

// newTestDB opens a fresh database under t.TempDir and closes it on cleanup.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
