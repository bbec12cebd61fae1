package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// createTestStore creates a temporary SQLite store and returns it with a
// cleanup function.
func createTestStore(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	cleanup := func() {
		store.Close()
	}

	return store, cleanup
}

func TestOpenSQLite_CreatesTable(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}

	var tableName string
	err = store.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='kv'").Scan(&tableName)
	if err != nil {
		t.Errorf("failed to find kv table: %v", err)
	}
	if tableName != "kv" {
		t.Errorf("expected table name 'kv', got %s", tableName)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store1, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("first OpenSQLite failed: %v", err)
	}

	if err := store1.Update("sync/queue", []byte(`[{"type":"createPullRequest"}]`)); err != nil {
		t.Fatalf("failed to write value: %v", err)
	}
	store1.Close()

	store2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("second OpenSQLite failed: %v", err)
	}
	defer store2.Close()

	value, ok, err := store2.Get("sync/queue")
	if err != nil {
		t.Fatalf("failed to get value: %v", err)
	}
	if !ok {
		t.Fatal("value not found after reopening database")
	}
	if string(value) != `[{"type":"createPullRequest"}]` {
		t.Errorf("unexpected value after reopen: %s", value)
	}
}

func TestStore_GetUpdateKeys(t *testing.T) {
	stores := []struct {
		name  string
		build func(t *testing.T) Store
	}{
		{
			name: "sqlite",
			build: func(t *testing.T) Store {
				s, cleanup := createTestStore(t)
				t.Cleanup(cleanup)
				return s
			},
		},
		{
			name: "memory",
			build: func(t *testing.T) Store {
				return NewMemoryStore()
			},
		},
	}

	for _, ts := range stores {
		t.Run(ts.name, func(t *testing.T) {
			store := ts.build(t)

			// Absent key
			_, ok, err := store.Get("missing")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if ok {
				t.Error("expected missing key to be absent")
			}

			// Write and read back
			if err := store.Update("a", []byte("one")); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if err := store.Update("b", []byte("two")); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			value, ok, err := store.Get("a")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !ok || string(value) != "one" {
				t.Errorf("Get(a) = %q, %v; want 'one', true", value, ok)
			}

			// Overwrite
			if err := store.Update("a", []byte("uno")); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			value, _, _ = store.Get("a")
			if string(value) != "uno" {
				t.Errorf("Get(a) after overwrite = %q, want 'uno'", value)
			}

			// Keys
			keys, err := store.Keys()
			if err != nil {
				t.Fatalf("Keys failed: %v", err)
			}
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
				t.Errorf("Keys = %v, want [a b]", keys)
			}

			// Nil value deletes
			if err := store.Update("a", nil); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			_, ok, _ = store.Get("a")
			if ok {
				t.Error("expected key 'a' to be deleted")
			}
		})
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	store := NewMemoryStore()

	original := []byte("payload")
	if err := store.Update("k", original); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Mutating the caller's slice must not affect the stored value.
	original[0] = 'X'

	value, _, _ := store.Get("k")
	if string(value) != "payload" {
		t.Errorf("stored value was mutated through caller slice: %s", value)
	}

	// Mutating the returned slice must not affect subsequent reads.
	value[0] = 'Y'
	again, _, _ := store.Get("k")
	if string(again) != "payload" {
		t.Errorf("stored value was mutated through returned slice: %s", again)
	}
}

func TestSQLiteStore_ManyKeys(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("cache/key-%02d", i)
		if err := store.Update(key, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Update failed for %s: %v", key, err)
		}
	}

	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 50 {
		t.Errorf("expected 50 keys, got %d", len(keys))
	}
	if keys[0] != "cache/key-00" {
		t.Errorf("keys not in lexical order, first = %s", keys[0])
	}
}
