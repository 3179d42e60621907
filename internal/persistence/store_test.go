package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskgate/internal/persistence"
	"github.com/basket/taskgate/internal/task"
	"github.com/google/uuid"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskgate.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func newTask(owner string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:          uuid.NewString(),
		Title:       "test task",
		Status:      task.StatusTodo,
		Priority:    task.PriorityMedium,
		CreatedByID: owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
}

func TestStore_SchemaMismatchRefusesOpen(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_meta SET version = 99, checksum = 'future';`); err != nil {
		t.Fatalf("tamper schema_meta: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected schema mismatch error on reopen")
	}
}

func TestStore_CreateAndGetTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := newTask("user-1")
	conf := 0.3
	created.ConfidenceScore = &conf
	created.RequiresReview = true

	if err := store.CreateTask(ctx, created); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := store.GetTask(ctx, created.ID, "user-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "test task" || got.Status != task.StatusTodo {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 0.3 {
		t.Fatalf("confidence = %v, want 0.3", got.ConfidenceScore)
	}
	if !got.RequiresReview {
		t.Fatal("requiresReview not persisted")
	}
	if got.FirstAttemptAt != nil {
		t.Fatal("firstAttemptAt should be unset")
	}

	events, err := store.ListTaskEvents(ctx, created.ID, "user-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != persistence.EventTaskCreated {
		t.Fatalf("expected one creation event, got %+v", events)
	}
	if events[0].StatusTo != task.StatusTodo {
		t.Fatalf("creation event statusTo = %q, want TODO", events[0].StatusTo)
	}
}

func TestStore_GetTask_OwnershipIndistinguishableFromMissing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := newTask("user-1")
	if err := store.CreateTask(ctx, created); err != nil {
		t.Fatalf("create task: %v", err)
	}

	_, errOther := store.GetTask(ctx, created.ID, "user-2")
	_, errMissing := store.GetTask(ctx, uuid.NewString(), "user-1")

	if !errors.Is(errOther, task.ErrNotFound) {
		t.Fatalf("other owner: got %v, want ErrNotFound", errOther)
	}
	if !errors.Is(errMissing, task.ErrNotFound) {
		t.Fatalf("missing: got %v, want ErrNotFound", errMissing)
	}
	if errOther.Error() != errMissing.Error() {
		t.Fatal("ownership failure must be indistinguishable from non-existence")
	}
}

func TestStore_UpdateTask_AppendsTransitionEvent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := newTask("user-1")
	if err := store.CreateTask(ctx, created); err != nil {
		t.Fatalf("create task: %v", err)
	}

	updated, prev, err := store.UpdateTask(ctx, created.ID, "user-1", func(tk *task.Task) error {
		tk.Status = task.StatusInProgress
		now := time.Now().UTC()
		tk.FirstAttemptAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if prev != task.StatusTodo {
		t.Fatalf("prev status = %q, want TODO", prev)
	}
	if updated.Status != task.StatusInProgress {
		t.Fatalf("status = %q, want IN_PROGRESS", updated.Status)
	}
	if updated.FirstAttemptAt == nil {
		t.Fatal("firstAttemptAt not persisted")
	}

	events, err := store.ListTaskEvents(ctx, created.ID, "user-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}
	last := events[1]
	if last.EventType != persistence.EventTaskStatusChanged ||
		last.StatusFrom != task.StatusTodo || last.StatusTo != task.StatusInProgress {
		t.Fatalf("unexpected transition event: %+v", last)
	}
}

func TestStore_UpdateTask_ApplyErrorRollsBack(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := newTask("user-1")
	if err := store.CreateTask(ctx, created); err != nil {
		t.Fatalf("create task: %v", err)
	}

	rejection := &task.InvalidTransitionError{Current: task.StatusTodo, Requested: task.StatusDone}
	_, _, err := store.UpdateTask(ctx, created.ID, "user-1", func(tk *task.Task) error {
		tk.Status = task.StatusDone // mutation must not leak
		return rejection
	})
	var itErr *task.InvalidTransitionError
	if !errors.As(err, &itErr) {
		t.Fatalf("apply error not passed through: %v", err)
	}

	got, err := store.GetTask(ctx, created.ID, "user-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusTodo {
		t.Fatalf("rolled-back status = %q, want TODO", got.Status)
	}

	events, _ := store.ListTaskEvents(ctx, created.ID, "user-1", 0)
	if len(events) != 1 {
		t.Fatalf("no transition event expected after rollback, got %d", len(events))
	}
}

func TestStore_UpdateTask_WrongOwner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := newTask("user-1")
	if err := store.CreateTask(ctx, created); err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, _, err := store.UpdateTask(ctx, created.ID, "user-2", func(*task.Task) error { return nil })
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := newTask("user-1")
	if err := store.CreateTask(ctx, created); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := store.DeleteTask(ctx, created.ID, "user-2"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("wrong owner delete: got %v, want ErrNotFound", err)
	}
	if err := store.DeleteTask(ctx, created.ID, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteTask(ctx, created.ID, "user-1"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}

	// Audit rows outlive the task.
	events, err := store.ListTaskEvents(ctx, created.ID, "user-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].EventType != persistence.EventTaskDeleted {
		t.Fatalf("expected surviving deletion event, got %+v", events)
	}
}

func TestStore_ListTasks_FiltersAndPagination(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tk := newTask("user-1")
		tk.Title = fmt.Sprintf("task %d", i)
		tk.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		tk.UpdatedAt = tk.CreatedAt
		if i%2 == 0 {
			tk.Status = task.StatusInProgress
			tk.AgentID = "agent-7"
		}
		if i == 4 {
			tk.ErrorMessage = "exec failed"
			tk.RequiresReview = true
		}
		if err := store.CreateTask(ctx, tk); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// Another owner's task must never show up.
	other := newTask("user-2")
	if err := store.CreateTask(ctx, other); err != nil {
		t.Fatalf("create other: %v", err)
	}

	all, total, err := store.ListTasks(ctx, "user-1", persistence.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(all) != 5 {
		t.Fatalf("total = %d len = %d, want 5/5", total, len(all))
	}

	inProgress := task.StatusInProgress
	filtered, total, err := store.ListTasks(ctx, "user-1", persistence.ListFilter{Status: &inProgress, AgentID: "agent-7"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if total != 3 || len(filtered) != 3 {
		t.Fatalf("filtered total = %d, want 3", total)
	}

	hasErr := true
	errTasks, _, err := store.ListTasks(ctx, "user-1", persistence.ListFilter{HasError: &hasErr})
	if err != nil {
		t.Fatalf("list hasError: %v", err)
	}
	if len(errTasks) != 1 || errTasks[0].ErrorMessage != "exec failed" {
		t.Fatalf("hasError filter returned %+v", errTasks)
	}

	review := true
	flagged, _, err := store.ListTasks(ctx, "user-1", persistence.ListFilter{RequiresReview: &review})
	if err != nil {
		t.Fatalf("list requiresReview: %v", err)
	}
	if len(flagged) != 1 {
		t.Fatalf("requiresReview filter returned %d rows, want 1", len(flagged))
	}

	page1, total, err := store.ListTasks(ctx, "user-1", persistence.ListFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	page2, _, err := store.ListTasks(ctx, "user-1", persistence.ListFilter{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if total != 5 || len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("pagination: total=%d p1=%d p2=%d", total, len(page1), len(page2))
	}
	if page1[0].ID == page2[0].ID {
		t.Fatal("pages overlap")
	}
	// Newest first.
	if page1[0].Title != "task 4" {
		t.Fatalf("first page head = %q, want newest task", page1[0].Title)
	}
}

func TestStore_StatusCountsAndEventCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := newTask("user-1")
	b := newTask("user-1")
	b.Status = task.StatusInProgress
	for _, tk := range []*task.Task{a, b} {
		if err := store.CreateTask(ctx, tk); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts[task.StatusTodo] != 1 || counts[task.StatusInProgress] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	n, err := store.TotalEventCount(ctx)
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if n != 2 {
		t.Fatalf("event count = %d, want 2", n)
	}
}

func TestStore_PurgeTaskEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created := newTask("user-1")
	if err := store.CreateTask(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Age the audit row past the retention window.
	old := time.Now().UTC().AddDate(0, 0, -40)
	if _, err := store.DB().Exec(`UPDATE task_events SET created_at = ?;`, old); err != nil {
		t.Fatalf("age events: %v", err)
	}

	purged, err := store.PurgeTaskEvents(ctx, 30)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	// Idempotent.
	purged, err = store.PurgeTaskEvents(ctx, 30)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("second purge = %d, want 0", purged)
	}
}
