package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/loomhq/loom/internal/db"
	"github.com/loomhq/loom/internal/storage/repository"
)

func newSQLBackends(t *testing.T) (*SQLSaver, *SQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	if _, err := repository.NewWithDB(sqlxDB, sqlxDB); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	t.Cleanup(func() { _ = sqlxDB.Close() })
	return NewSQLSaver(dbConn, "sqlite3"), NewSQLStore(dbConn, "sqlite3")
}

func testSaver(t *testing.T, saver Saver) {
	t.Helper()
	ctx := context.Background()

	latest, err := saver.Latest(ctx, "t1", "")
	if err != nil || latest != nil {
		t.Fatalf("expected no checkpoint yet, got cp=%+v err=%v", latest, err)
	}

	first := &Checkpoint{
		ThreadID: "t1",
		Data:     map[string]interface{}{"step": float64(1)},
	}
	if err := saver.Put(ctx, first); err != nil {
		t.Fatalf("failed to put first checkpoint: %v", err)
	}
	if first.CheckpointID == "" {
		t.Fatal("expected generated checkpoint id")
	}

	second := &Checkpoint{
		ThreadID: "t1",
		ParentID: first.CheckpointID,
		Data:     map[string]interface{}{"step": float64(2)},
	}
	if err := saver.Put(ctx, second); err != nil {
		t.Fatalf("failed to put second checkpoint: %v", err)
	}

	latest, err = saver.Latest(ctx, "t1", "")
	if err != nil {
		t.Fatalf("failed to load latest: %v", err)
	}
	if latest == nil || latest.CheckpointID != second.CheckpointID {
		t.Fatalf("expected latest %s, got %+v", second.CheckpointID, latest)
	}
	if latest.ParentID != first.CheckpointID {
		t.Errorf("expected parent %s, got %s", first.CheckpointID, latest.ParentID)
	}
	if latest.Data["step"] != float64(2) {
		t.Errorf("expected data round-trip, got %v", latest.Data)
	}

	// Other threads are isolated.
	other, err := saver.Latest(ctx, "t2", "")
	if err != nil || other != nil {
		t.Errorf("expected no checkpoint on other thread, got %+v err=%v", other, err)
	}
}

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	ns := []string{"org-1", "user-1", "global", "memories"}
	if err := store.Put(ctx, ns, "fact", map[string]interface{}{"text": "likes go"}); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	item, err := store.Get(ctx, ns, "fact")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if item == nil || item.Value["text"] != "likes go" {
		t.Fatalf("expected value round-trip, got %+v", item)
	}

	// Upsert replaces.
	if err := store.Put(ctx, ns, "fact", map[string]interface{}{"text": "likes sql"}); err != nil {
		t.Fatalf("failed to re-put: %v", err)
	}
	item, err = store.Get(ctx, ns, "fact")
	if err != nil || item == nil {
		t.Fatalf("failed to re-get: item=%+v err=%v", item, err)
	}
	if item.Value["text"] != "likes sql" {
		t.Errorf("expected updated value, got %v", item.Value)
	}

	// Prefix search finds the item under the user prefix but not elsewhere.
	found, err := store.Search(ctx, []string{"org-1", "user-1"}, 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 item under prefix, got %d", len(found))
	}
	none, err := store.Search(ctx, []string{"org-2"}, 10)
	if err != nil {
		t.Fatalf("failed to search other org: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no items under other org, got %d", len(none))
	}

	missing, err := store.Get(ctx, ns, "absent")
	if err != nil || missing != nil {
		t.Errorf("expected nil for absent key, got %+v err=%v", missing, err)
	}

	if err := store.Delete(ctx, ns, "fact"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	item, err = store.Get(ctx, ns, "fact")
	if err != nil || item != nil {
		t.Errorf("expected nil after delete, got %+v err=%v", item, err)
	}
}

func TestSQLSaver(t *testing.T) {
	saver, _ := newSQLBackends(t)
	testSaver(t, saver)
}

func TestSQLStore(t *testing.T) {
	_, store := newSQLBackends(t)
	testStore(t, store)
}

func TestMemorySaver(t *testing.T) {
	testSaver(t, NewMemorySaver())
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}
