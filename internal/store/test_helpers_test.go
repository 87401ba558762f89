package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/ridekey/internal/ir"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestKey builds a NewKey with the ride payload from the docs.
func createTestKey(id, key string) ir.NewKey {
	return ir.NewKey{
		ID:            id,
		Key:           key,
		RequestMethod: "POST",
		RequestPath:   "/rides",
		RequestParams: ir.IRObject{
			"originLat": ir.IRInt(1),
			"originLon": ir.IRInt(2),
			"targetLat": ir.IRInt(3),
			"targetLon": ir.IRInt(4),
		},
		UserID: 1,
		Now:    testNow,
	}
}
