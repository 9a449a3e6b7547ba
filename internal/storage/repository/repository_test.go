package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/loomhq/loom/internal/db"
	"github.com/loomhq/loom/internal/runtime/models"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlxDB.Close(); err != nil {
			t.Errorf("failed to close sqlite db: %v", err)
		}
	})
	return repo
}

func ownedMeta(owner string) map[string]interface{} {
	return map[string]interface{}{models.MetadataOwner: owner}
}

func TestAssistantLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	a := &models.Assistant{
		AssistantID: "a1",
		GraphID:     "agent",
		Name:        "Default agent",
		Config:      map[string]interface{}{"configurable": map[string]interface{}{"model": "small"}},
		Metadata:    ownedMeta("user-1"),
	}
	if err := repo.CreateAssistant(ctx, a); err != nil {
		t.Fatalf("failed to create assistant: %v", err)
	}
	if a.AssistantID != "a1" {
		t.Fatalf("expected explicit id to survive, got %s", a.AssistantID)
	}
	if a.Version != 1 {
		t.Errorf("expected version 1, got %d", a.Version)
	}

	got, err := repo.GetAssistant(ctx, "a1", "user-1")
	if err != nil {
		t.Fatalf("failed to get assistant: %v", err)
	}
	if got.GraphID != "agent" || got.Name != "Default agent" {
		t.Errorf("unexpected assistant: %+v", got)
	}
	if got.Configurable()["model"] != "small" {
		t.Errorf("expected config round-trip, got %v", got.Config)
	}

	// Another owner cannot see it.
	if _, err := repo.GetAssistant(ctx, "a1", "user-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
	}

	// Duplicate id conflicts.
	dup := &models.Assistant{AssistantID: "a1", GraphID: "agent", Metadata: ownedMeta("user-1")}
	if err := repo.CreateAssistant(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate id, got %v", err)
	}

	got.Name = "Renamed"
	got.Version = 2
	if err := repo.UpdateAssistant(ctx, got, "user-1"); err != nil {
		t.Fatalf("failed to update assistant: %v", err)
	}
	updated, err := repo.GetAssistant(ctx, "a1", "user-1")
	if err != nil {
		t.Fatalf("failed to re-get assistant: %v", err)
	}
	if updated.Name != "Renamed" || updated.Version != 2 {
		t.Errorf("expected updated assistant, got %+v", updated)
	}

	if err := repo.DeleteAssistant(ctx, "a1", "user-1"); err != nil {
		t.Fatalf("failed to delete assistant: %v", err)
	}
	if _, err := repo.GetAssistant(ctx, "a1", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSystemAssistantVisibility(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	sys := &models.Assistant{AssistantID: "sys-agent", GraphID: "agent", Metadata: ownedMeta("system")}
	if err := repo.CreateAssistant(ctx, sys); err != nil {
		t.Fatalf("failed to create system assistant: %v", err)
	}

	// Visible to every owner.
	if _, err := repo.GetAssistant(ctx, "sys-agent", "user-1"); err != nil {
		t.Errorf("expected system assistant visible to user-1, got %v", err)
	}
	if _, err := repo.GetAssistant(ctx, "sys-agent", "user-2"); err != nil {
		t.Errorf("expected system assistant visible to user-2, got %v", err)
	}

	// Not mutable by a non-system owner.
	sys.Name = "hijacked"
	if err := repo.UpdateAssistant(ctx, sys, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating system assistant as user, got %v", err)
	}
	if err := repo.DeleteAssistant(ctx, "sys-agent", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting system assistant as user, got %v", err)
	}

	// Resolvable by graph id for any owner.
	byGraph, err := repo.GetAssistantByGraph(ctx, "agent", "user-1")
	if err != nil {
		t.Fatalf("failed to resolve by graph: %v", err)
	}
	if byGraph.AssistantID != "sys-agent" {
		t.Errorf("expected sys-agent, got %s", byGraph.AssistantID)
	}
}

func TestSearchAssistantsFilters(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i, graph := range []string{"agent", "agent", "research"} {
		meta := ownedMeta("user-1")
		if i == 0 {
			meta["team"] = "alpha"
		}
		a := &models.Assistant{GraphID: graph, Metadata: meta}
		if err := repo.CreateAssistant(ctx, a); err != nil {
			t.Fatalf("failed to create assistant %d: %v", i, err)
		}
	}

	all, err := repo.SearchAssistants(ctx, "user-1", AssistantFilter{})
	if err != nil {
		t.Fatalf("failed to search assistants: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 assistants, got %d", len(all))
	}

	agents, err := repo.SearchAssistants(ctx, "user-1", AssistantFilter{GraphID: "agent"})
	if err != nil {
		t.Fatalf("failed to filter by graph: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("expected 2 agent assistants, got %d", len(agents))
	}

	alpha, err := repo.SearchAssistants(ctx, "user-1", AssistantFilter{Metadata: map[string]interface{}{"team": "alpha"}})
	if err != nil {
		t.Fatalf("failed to filter by metadata: %v", err)
	}
	if len(alpha) != 1 {
		t.Errorf("expected 1 alpha assistant, got %d", len(alpha))
	}

	count, err := repo.CountAssistants(ctx, "user-1", AssistantFilter{GraphID: "agent"})
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}

func TestThreadDeleteCascadesRuns(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	th := &models.Thread{Metadata: ownedMeta("user-1")}
	if err := repo.CreateThread(ctx, th); err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}

	run := &models.Run{ThreadID: th.ThreadID, AssistantID: "a1", Metadata: ownedMeta("user-1")}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if err := repo.DeleteThread(ctx, th.ThreadID, "user-1"); err != nil {
		t.Fatalf("failed to delete thread: %v", err)
	}
	if _, err := repo.GetRun(ctx, th.ThreadID, run.RunID, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected run to be deleted with its thread, got %v", err)
	}
}

func TestRunTransitions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	th := &models.Thread{Metadata: ownedMeta("user-1")}
	if err := repo.CreateThread(ctx, th); err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}
	run := &models.Run{ThreadID: th.ThreadID, AssistantID: "a1", Metadata: ownedMeta("user-1")}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.Status != models.RunStatusPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}

	active, err := repo.GetActiveRun(ctx, th.ThreadID, "user-1")
	if err != nil {
		t.Fatalf("failed to get active run: %v", err)
	}
	if active == nil || active.RunID != run.RunID {
		t.Fatalf("expected active run %s, got %+v", run.RunID, active)
	}

	ok, err := repo.TransitionRun(ctx, run.RunID, []models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected pending->running to succeed, got ok=%v err=%v", ok, err)
	}

	// Same transition again fails: the run left pending already.
	ok, err = repo.TransitionRun(ctx, run.RunID, []models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second pending->running transition to be a no-op")
	}

	ok, err = repo.TransitionRun(ctx, run.RunID, []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}, models.RunStatusSuccess, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected running->success to succeed, got ok=%v err=%v", ok, err)
	}

	active, err = repo.GetActiveRun(ctx, th.ThreadID, "user-1")
	if err != nil {
		t.Fatalf("failed to re-check active run: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active run after terminal transition, got %+v", active)
	}
}

func TestSweepStaleRuns(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	th := &models.Thread{Metadata: ownedMeta("user-1")}
	if err := repo.CreateThread(ctx, th); err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}
	run := &models.Run{ThreadID: th.ThreadID, AssistantID: "a1", Metadata: ownedMeta("user-1")}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	swept, err := repo.SweepStaleRuns(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 swept run, got %d", swept)
	}

	got, err := repo.GetRun(ctx, th.ThreadID, run.RunID, "user-1")
	if err != nil {
		t.Fatalf("failed to get swept run: %v", err)
	}
	if got.Status != models.RunStatusError {
		t.Errorf("expected swept run in error, got %s", got.Status)
	}
}

func TestStateSnapshotsUpdateThreadValues(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	th := &models.Thread{Metadata: ownedMeta("user-1")}
	if err := repo.CreateThread(ctx, th); err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}

	if state, err := repo.GetState(ctx, th.ThreadID, "user-1"); err != nil || state != nil {
		t.Fatalf("expected no snapshot yet, got state=%+v err=%v", state, err)
	}

	first := &models.ThreadState{
		ThreadID: th.ThreadID,
		Values:   map[string]interface{}{"messages": []interface{}{"hi"}},
	}
	if err := repo.AddStateSnapshot(ctx, first, "user-1"); err != nil {
		t.Fatalf("failed to add first snapshot: %v", err)
	}
	if first.CheckpointID == "" {
		t.Fatal("expected generated checkpoint id")
	}

	second := &models.ThreadState{
		ThreadID: th.ThreadID,
		Values:   map[string]interface{}{"messages": []interface{}{"hi", "there"}},
	}
	if err := repo.AddStateSnapshot(ctx, second, "user-1"); err != nil {
		t.Fatalf("failed to add second snapshot: %v", err)
	}

	state, err := repo.GetState(ctx, th.ThreadID, "user-1")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.CheckpointID != second.CheckpointID {
		t.Errorf("expected newest snapshot %s, got %s", second.CheckpointID, state.CheckpointID)
	}

	// Thread row carries the denormalised latest values.
	got, err := repo.GetThread(ctx, th.ThreadID, "user-1")
	if err != nil {
		t.Fatalf("failed to get thread: %v", err)
	}
	msgs, _ := got.Values["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Errorf("expected thread values cache with 2 messages, got %v", got.Values)
	}

	history, err := repo.GetHistory(ctx, th.ThreadID, "user-1", 10, "")
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != 2 || history[0].CheckpointID != second.CheckpointID {
		t.Fatalf("expected newest-first history of 2, got %d", len(history))
	}

	before, err := repo.GetHistory(ctx, th.ThreadID, "user-1", 10, second.CheckpointID)
	if err != nil {
		t.Fatalf("failed to get history before: %v", err)
	}
	if len(before) != 1 || before[0].CheckpointID != first.CheckpointID {
		t.Fatalf("expected only the first snapshot before %s, got %d", second.CheckpointID, len(before))
	}
}

func TestStoreItemRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	item := &models.StoreItem{
		Namespace: []string{"prefs"},
		Key:       "k",
		Value:     map[string]interface{}{"a": float64(1)},
	}
	if err := repo.PutItem(ctx, item, "user-1"); err != nil {
		t.Fatalf("failed to put item: %v", err)
	}

	got, err := repo.GetItem(ctx, []string{"prefs"}, "k", "user-1")
	if err != nil {
		t.Fatalf("failed to get item: %v", err)
	}
	if got.Value["a"] != float64(1) {
		t.Errorf("expected value round-trip, got %v", got.Value)
	}

	// Second put replaces the value, keeps identity.
	item.Value = map[string]interface{}{"a": float64(2)}
	if err := repo.PutItem(ctx, item, "user-1"); err != nil {
		t.Fatalf("failed to re-put item: %v", err)
	}
	got, err = repo.GetItem(ctx, []string{"prefs"}, "k", "user-1")
	if err != nil {
		t.Fatalf("failed to re-get item: %v", err)
	}
	if got.Value["a"] != float64(2) {
		t.Errorf("expected updated value, got %v", got.Value)
	}

	// Owner isolation: same tuple under another owner is separate.
	if _, err := repo.GetItem(ctx, []string{"prefs"}, "k", "user-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
	}

	if err := repo.DeleteItem(ctx, []string{"prefs"}, "k", "user-1"); err != nil {
		t.Fatalf("failed to delete item: %v", err)
	}
	if _, err := repo.GetItem(ctx, []string{"prefs"}, "k", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreItemPrefixSearch(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	put := func(ns []string, key string) {
		t.Helper()
		item := &models.StoreItem{Namespace: ns, Key: key, Value: map[string]interface{}{"v": key}}
		if err := repo.PutItem(ctx, item, "user-1"); err != nil {
			t.Fatalf("failed to put %v/%s: %v", ns, key, err)
		}
	}
	put([]string{"a"}, "k1")
	put([]string{"a", "b"}, "k2")
	put([]string{"ab"}, "k3")

	items, err := repo.SearchItems(ctx, "user-1", []string{"a"}, 20, 0)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items under prefix [a], got %d", len(items))
	}
	for _, item := range items {
		if item.Key == "k3" {
			t.Error("prefix [a] must not match namespace [ab]")
		}
	}

	all, err := repo.SearchItems(ctx, "user-1", nil, 20, 0)
	if err != nil {
		t.Fatalf("failed to search all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 items with empty prefix, got %d", len(all))
	}
}

func TestCronLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	c := &models.Cron{
		AssistantID: "a1",
		Schedule:    "* * * * *",
		Payload:     map[string]interface{}{"input": "tick"},
		NextRunDate: &next,
		Metadata:    ownedMeta("user-1"),
	}
	if err := repo.CreateCron(ctx, c); err != nil {
		t.Fatalf("failed to create cron: %v", err)
	}
	if c.OnRunCompleted != models.OnCompletionDelete {
		t.Errorf("expected delete default, got %s", c.OnRunCompleted)
	}

	got, err := repo.GetCron(ctx, c.CronID, "user-1")
	if err != nil {
		t.Fatalf("failed to get cron: %v", err)
	}
	if got.Schedule != "* * * * *" || got.ThreadID != nil {
		t.Errorf("unexpected cron: %+v", got)
	}
	if got.NextRunDate == nil || !got.NextRunDate.Equal(next) {
		t.Errorf("expected next_run_date %v, got %v", next, got.NextRunDate)
	}

	threadID := "t-fired"
	fired := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	if err := repo.UpdateCronFired(ctx, c.CronID, &fired, &threadID, "user-1"); err != nil {
		t.Fatalf("failed to update fired cron: %v", err)
	}
	got, err = repo.GetCron(ctx, c.CronID, "user-1")
	if err != nil {
		t.Fatalf("failed to re-get cron: %v", err)
	}
	if got.ThreadID == nil || *got.ThreadID != threadID {
		t.Errorf("expected thread id %s, got %v", threadID, got.ThreadID)
	}

	all, err := repo.ListAllCrons(ctx)
	if err != nil {
		t.Fatalf("failed to list all crons: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 cron, got %d", len(all))
	}

	if err := repo.DeleteCron(ctx, c.CronID, "user-1"); err != nil {
		t.Fatalf("failed to delete cron: %v", err)
	}
	if _, err := repo.GetCron(ctx, c.CronID, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
