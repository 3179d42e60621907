// Package coordinator orchestrates the transition validator, the trust
// calibrator, the store, and the broadcaster around every task mutation.
// It is the only writer: nothing else touches task rows.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/taskgate/internal/broadcast"
	"github.com/basket/taskgate/internal/persistence"
	"github.com/basket/taskgate/internal/task"
	"github.com/google/uuid"
)

// Indexer receives committed records for the search index. Index errors
// are logged, never surfaced: search is a convenience view, the store is
// the source of truth.
type Indexer interface {
	Index(t task.Task) error
	Delete(id string) error
}

type Config struct {
	Store       *persistence.Store
	Broadcaster *broadcast.Broadcaster
	Indexer     Indexer // may be nil
	Logger      *slog.Logger
	Metrics     *Metrics // may be nil
}

type Coordinator struct {
	store       *persistence.Store
	broadcaster *broadcast.Broadcaster
	indexer     Indexer
	logger      *slog.Logger
	metrics     *Metrics
}

func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		indexer:     cfg.Indexer,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// Create persists a new task for ownerID. Tasks start in TODO unless the
// caller creates them already active (IN_PROGRESS), in which case the
// first attempt is stamped immediately. Any other initial status is
// rejected before the write.
func (c *Coordinator) Create(ctx context.Context, ownerID string, ch task.Changes) (*task.Task, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if ch.Title == nil || *ch.Title == "" {
		return nil, &task.ValidationError{Field: "title", Message: "required"}
	}

	status := task.StatusTodo
	if ch.Status != nil {
		status = *ch.Status
	}
	if status != task.StatusTodo && status != task.StatusInProgress {
		return nil, &task.ValidationError{Field: "status", Message: "new tasks start in TODO or IN_PROGRESS"}
	}
	priority := task.PriorityMedium
	if ch.Priority != nil {
		priority = *ch.Priority
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		Title:       *ch.Title,
		Status:      status,
		Priority:    priority,
		CreatedByID: ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ch.Description != nil {
		t.Description = *ch.Description
	}
	if ch.ConfidenceScore != nil {
		v := *ch.ConfidenceScore
		t.ConfidenceScore = &v
	}
	if ch.ErrorMessage != nil {
		t.ErrorMessage = *ch.ErrorMessage
	}
	if ch.AgentID != nil {
		t.AgentID = *ch.AgentID
	}
	if ch.ProjectID != nil {
		t.ProjectID = *ch.ProjectID
	}
	if ch.AssigneeID != nil {
		t.AssigneeID = *ch.AssigneeID
	}
	if status == task.StatusInProgress {
		t.FirstAttemptAt = &now
	}

	cal := task.Calibrate(task.Task{}, ch, ownerID)
	t.RequiresReview = cal.RequiresReview
	t.WasOverridden = cal.RecordOverride
	if ch.ReviewNotes != nil {
		t.ReviewNotes = *ch.ReviewNotes
	}
	if cal.ReviewedByID != "" {
		t.ReviewedByID = cal.ReviewedByID
	}

	if err := c.store.CreateTask(ctx, t); err != nil {
		return nil, c.wrapStoreErr("create", err)
	}

	c.logger.Info("task created",
		"task_id", t.ID, "owner_id", ownerID,
		"status", t.Status, "requires_review", t.RequiresReview)
	c.metrics.recordCreate(ctx, t)
	c.index(*t)
	c.broadcaster.Emit(broadcast.Event{
		Type:     broadcast.EventTaskCreated,
		Task:     t,
		TaskID:   t.ID,
		OwnerID:  ownerID,
		StatusTo: t.Status,
	})
	return t, nil
}

// ApplyUpdate is the single mutation entry point. Ownership failure is
// indistinguishable from non-existence; an illegal transition is rejected
// before any write; the merged record is persisted as one atomic write;
// the broadcaster is notified only after the commit.
func (c *Coordinator) ApplyUpdate(ctx context.Context, taskID string, ch task.Changes, actingUserID string) (*task.Task, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	var overrideRecorded bool
	updated, prev, err := c.store.UpdateTask(ctx, taskID, actingUserID, func(t *task.Task) error {
		if ch.Status != nil && *ch.Status != t.Status {
			if !task.IsValidTransition(t.Status, *ch.Status) {
				return &task.InvalidTransitionError{Current: t.Status, Requested: *ch.Status}
			}
		}

		cal := task.Calibrate(*t, ch, actingUserID)
		overrideRecorded = cal.RecordOverride && !t.WasOverridden

		if ch.Title != nil {
			t.Title = *ch.Title
		}
		if ch.Description != nil {
			t.Description = *ch.Description
		}
		if ch.Priority != nil {
			t.Priority = *ch.Priority
		}
		if ch.ConfidenceScore != nil {
			v := *ch.ConfidenceScore
			t.ConfidenceScore = &v
		}
		if ch.ErrorMessage != nil {
			t.ErrorMessage = *ch.ErrorMessage
		}
		if ch.AgentID != nil {
			t.AgentID = *ch.AgentID
		}
		if ch.ProjectID != nil {
			t.ProjectID = *ch.ProjectID
		}
		if ch.AssigneeID != nil {
			t.AssigneeID = *ch.AssigneeID
		}

		if ch.Status != nil && *ch.Status != t.Status {
			from := t.Status
			t.Status = *ch.Status
			if t.Status == task.StatusInProgress && t.FirstAttemptAt == nil {
				now := time.Now().UTC()
				t.FirstAttemptAt = &now
			}
			if from == task.StatusCancelled && t.Status == task.StatusTodo {
				t.RetryCount++
			}
		}

		t.RequiresReview = cal.RequiresReview
		t.WasOverridden = t.WasOverridden || cal.RecordOverride
		if ch.ReviewNotes != nil {
			t.ReviewNotes = *ch.ReviewNotes
		}
		if cal.ReviewedByID != "" {
			t.ReviewedByID = cal.ReviewedByID
		}
		return nil
	})
	if err != nil {
		c.metrics.recordRejection(ctx, err)
		return nil, c.wrapStoreErr("update", err)
	}

	c.logger.Info("task updated",
		"task_id", updated.ID, "owner_id", actingUserID,
		"status", updated.Status, "requires_review", updated.RequiresReview,
		"retry_count", updated.RetryCount)
	c.metrics.recordUpdate(ctx, prev, updated, overrideRecorded)
	c.index(*updated)

	ev := broadcast.Event{
		Type:    broadcast.EventTaskUpdated,
		Task:    updated,
		TaskID:  updated.ID,
		OwnerID: actingUserID,
	}
	if prev != updated.Status {
		ev.StatusFrom = prev
		ev.StatusTo = updated.Status
	}
	c.broadcaster.Emit(ev)
	return updated, nil
}

// Delete removes a task at any status. Deletion is unconditional and not
// part of the state machine.
func (c *Coordinator) Delete(ctx context.Context, taskID, actingUserID string) error {
	if err := c.store.DeleteTask(ctx, taskID, actingUserID); err != nil {
		return c.wrapStoreErr("delete", err)
	}

	c.logger.Info("task deleted", "task_id", taskID, "owner_id", actingUserID)
	if c.indexer != nil {
		if err := c.indexer.Delete(taskID); err != nil {
			c.logger.Warn("search index delete failed", "task_id", taskID, "error", err)
		}
	}
	c.broadcaster.Emit(broadcast.Event{
		Type:    broadcast.EventTaskDeleted,
		TaskID:  taskID,
		OwnerID: actingUserID,
	})
	return nil
}

// Get loads one task scoped to the acting user.
func (c *Coordinator) Get(ctx context.Context, taskID, actingUserID string) (*task.Task, error) {
	t, err := c.store.GetTask(ctx, taskID, actingUserID)
	if err != nil {
		return nil, c.wrapStoreErr("get", err)
	}
	return t, nil
}

// List returns one owner-scoped page of tasks plus the total match count.
func (c *Coordinator) List(ctx context.Context, actingUserID string, f persistence.ListFilter) ([]task.Task, int, error) {
	tasks, total, err := c.store.ListTasks(ctx, actingUserID, f)
	if err != nil {
		return nil, 0, c.wrapStoreErr("list", err)
	}
	return tasks, total, nil
}

// Events returns the audit trail for one task, owner-scoped.
func (c *Coordinator) Events(ctx context.Context, taskID, actingUserID string, limit int) ([]persistence.TransitionEvent, error) {
	events, err := c.store.ListTaskEvents(ctx, taskID, actingUserID, limit)
	if err != nil {
		return nil, c.wrapStoreErr("events", err)
	}
	return events, nil
}

func (c *Coordinator) index(t task.Task) {
	if c.indexer == nil {
		return
	}
	if err := c.indexer.Index(t); err != nil {
		c.logger.Warn("search index update failed", "task_id", t.ID, "error", err)
	}
}

// wrapStoreErr hides store internals behind the error taxonomy. Typed
// rejections and not-found pass through; anything else becomes an opaque
// persistence failure.
func (c *Coordinator) wrapStoreErr(op string, err error) error {
	var (
		itErr *task.InvalidTransitionError
		vErr  *task.ValidationError
	)
	switch {
	case errors.Is(err, task.ErrNotFound),
		errors.As(err, &itErr),
		errors.As(err, &vErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	c.logger.Error("store operation failed", "op", op, "error", err)
	return &task.PersistenceError{Op: op, Err: err}
}
