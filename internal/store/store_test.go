package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"idempotency_keys", "rides", "staged_jobs"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Create(context.Background(), createTestKey("id-1", "k-1")); err != nil {
		t.Fatalf("Create() on in-memory store failed: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "60000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestSchema_IdempotencyKeysTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "idempotency_keys")
	expected := []string{
		"id", "idempotency_key", "request_method", "request_path", "request_params",
		"request_fingerprint", "user_id", "recovery_point", "locked_at", "last_run_at",
		"created_at", "response_code", "response_body",
	}

	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("idempotency_keys table missing column %q", col)
		}
	}
}

func TestSchema_StagedJobsIndex(t *testing.T) {
	s := createTestStore(t)

	indexes := getTableIndexes(t, s.db, "staged_jobs")
	if !contains(indexes, "idx_staged_jobs_created_at") {
		t.Errorf("staged_jobs missing index idx_staged_jobs_created_at, have %v", indexes)
	}
}

func TestSchema_ResponseInvariantEnforced(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, createTestKey("id-1", "k-1"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// A finished key without a response violates the CHECK constraint.
	_, err = s.db.Exec(`UPDATE idempotency_keys SET recovery_point = 'finished' WHERE id = ?`, rec.ID)
	if err == nil {
		t.Error("expected CHECK violation for finished key without response")
	}

	// A response on an unfinished key violates it too.
	_, err = s.db.Exec(`UPDATE idempotency_keys SET response_code = 201, response_body = '{}' WHERE id = ?`, rec.ID)
	if err == nil {
		t.Error("expected CHECK violation for response on unfinished key")
	}
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Create(ctx, createTestKey("id-1", "k-1"))
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}

	if _, err := s.FindByKey(ctx, "k-1"); err != nil {
		t.Errorf("committed key not visible: %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Create(ctx, createTestKey("id-1", "k-1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want %v", err, boom)
	}

	if _, err := s.FindByKey(ctx, "k-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back key should not exist, got err = %v", err)
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = s.WithTx(ctx, func(tx *Tx) error {
			if _, err := tx.Create(ctx, createTestKey("id-1", "k-1")); err != nil {
				return err
			}
			panic("phase exploded")
		})
	}()

	if _, err := s.FindByKey(ctx, "k-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("key written before panic should be rolled back, got err = %v", err)
	}
}

// Helper functions

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		t.Fatalf("failed to get columns for %s: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan column name: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM pragma_index_list(?)", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %s: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func TestDSN(t *testing.T) {
	if got := dsn("/tmp/x.db"); got != "/tmp/x.db?_busy_timeout=60000&_foreign_keys=on&_txlock=immediate" {
		t.Errorf("dsn() = %q", got)
	}
	if got := dsn("file:x.db?mode=rwc"); got != "file:x.db?mode=rwc&_busy_timeout=60000&_foreign_keys=on&_txlock=immediate" {
		t.Errorf("dsn() with query = %q", got)
	}
}

// Two stores on one file stand in for two processes. A phase may hold the
// write lock longer than a few seconds (a slow provider call); the other
// process must wait for it rather than fail with "database is locked".
func TestWithTx_WaitsForWriterInOtherProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("holds the write lock for 6s")
	}

	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open() first failed: %v", err)
	}
	defer first.Close()
	second, err := Open(path)
	if err != nil {
		t.Fatalf("Open() second failed: %v", err)
	}
	defer second.Close()

	ctx := context.Background()
	const hold = 6 * time.Second

	held := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- first.WithTx(ctx, func(tx *Tx) error {
			if _, err := tx.Create(ctx, createTestKey("key-a", "A")); err != nil {
				return err
			}
			close(held)
			time.Sleep(hold)
			return nil
		})
	}()

	select {
	case <-held:
	case err := <-done:
		t.Fatalf("first WithTx() ended before holding the lock: %v", err)
	}

	start := time.Now()
	err = second.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Create(ctx, createTestKey("key-b", "B"))
		return err
	})
	waited := time.Since(start)
	if err != nil {
		t.Fatalf("second WithTx() failed after %s: %v", waited, err)
	}
	if waited < time.Second {
		t.Errorf("second WithTx() waited %s, expected it to queue behind the first writer", waited)
	}

	if err := <-done; err != nil {
		t.Fatalf("first WithTx() failed: %v", err)
	}

	for _, key := range []string{"A", "B"} {
		if _, err := second.FindByKey(ctx, key); err != nil {
			t.Errorf("FindByKey(%q) failed: %v", key, err)
		}
	}
}
