package search

import (
	"context"
	"testing"

	"github.com/basket/taskgate/internal/task"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func sampleTask(id, owner, title, description string) task.Task {
	return task.Task{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      task.StatusTodo,
		Priority:    task.PriorityMedium,
		CreatedByID: owner,
	}
}

func TestQuery_MatchesTitleAndDescription(t *testing.T) {
	ix := newTestIndex(t)
	if err := ix.Index(sampleTask("t1", "user-1", "Fix login timeout", "sessions expire too early")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(sampleTask("t2", "user-1", "Write release notes", "summarize the sprint")); err != nil {
		t.Fatal(err)
	}

	ids, err := ix.Query("user-1", "timeout", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("title match = %v", ids)
	}

	ids, err = ix.Query("user-1", "sprint", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t2" {
		t.Fatalf("description match = %v", ids)
	}
}

func TestQuery_OwnerScoped(t *testing.T) {
	ix := newTestIndex(t)
	if err := ix.Index(sampleTask("t1", "user-1", "deploy pipeline", "")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(sampleTask("t2", "user-2", "deploy pipeline", "")); err != nil {
		t.Fatal(err)
	}

	ids, err := ix.Query("user-1", "deploy", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("owner scoping leaked: %v", ids)
	}
}

func TestIndex_ReplaceAndDelete(t *testing.T) {
	ix := newTestIndex(t)
	if err := ix.Index(sampleTask("t1", "user-1", "old title", "")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(sampleTask("t1", "user-1", "renamed entirely", "")); err != nil {
		t.Fatal(err)
	}

	if ids, _ := ix.Query("user-1", "old", 10); len(ids) != 0 {
		t.Fatalf("stale document still matches: %v", ids)
	}
	ids, err := ix.Query("user-1", "renamed", 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("replacement not indexed: %v, %v", ids, err)
	}

	if err := ix.Delete("t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ids, _ := ix.Query("user-1", "renamed", 10); len(ids) != 0 {
		t.Fatalf("deleted document still matches: %v", ids)
	}
	// Deleting again is a no-op.
	if err := ix.Delete("t1"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestRebuild(t *testing.T) {
	ix := newTestIndex(t)
	all := []task.Task{
		sampleTask("t1", "user-1", "alpha migration", ""),
		sampleTask("t2", "user-1", "beta rollout", ""),
		sampleTask("t3", "user-2", "alpha migration", ""),
	}
	source := func(_ context.Context, fn func(task.Task) error) error {
		for _, t := range all {
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	}

	if err := ix.Rebuild(context.Background(), source); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	count, err := ix.DocCount()
	if err != nil {
		t.Fatalf("doc count: %v", err)
	}
	if count != 3 {
		t.Fatalf("doc count = %d, want 3", count)
	}

	ids, err := ix.Query("user-1", "alpha", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("rebuilt index wrong: %v", ids)
	}
}
