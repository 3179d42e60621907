// Package task defines the task domain model: the record type, the status
// state machine, and the trust-calibration rules that derive the human
// review gate from producer confidence.
package task

import "time"

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusCancelled  Status = "CANCELLED"
)

// Valid reports whether s is one of the five canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is the unit of work tracked by the coordinator. CreatedByID is the
// only authorization boundary; every read and write is scoped to it.
//
// RetryCount, FirstAttemptAt, and WasOverridden are monotonic: they are
// never decremented or unset once written.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	// ConfidenceScore is the producer's self-assessed correctness in [0,1].
	// Nil means the producer supplied no estimate.
	ConfidenceScore *float64 `json:"confidenceScore,omitempty"`

	// RequiresReview is derived from ConfidenceScore but stored, so that
	// list queries can filter on it without recomputing.
	RequiresReview bool   `json:"requiresReview"`
	ReviewNotes    string `json:"reviewNotes,omitempty"`
	ReviewedByID   string `json:"reviewedById,omitempty"`
	WasOverridden  bool   `json:"wasOverridden"`

	RetryCount     int        `json:"retryCount"`
	FirstAttemptAt *time.Time `json:"firstAttemptAt,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`

	CreatedByID string `json:"createdById"`
	AgentID     string `json:"agentId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of t. Pointer fields are duplicated so the
// copy can be mutated without aliasing the original.
func (t Task) Clone() Task {
	out := t
	if t.ConfidenceScore != nil {
		v := *t.ConfidenceScore
		out.ConfidenceScore = &v
	}
	if t.FirstAttemptAt != nil {
		v := *t.FirstAttemptAt
		out.FirstAttemptAt = &v
	}
	return out
}

// Changes is the set of requested mutations carried by a create or update.
// Nil fields are "not requested"; the merge into the current record happens
// in the coordinator, never here.
type Changes struct {
	Title           *string   `json:"title,omitempty"`
	Description     *string   `json:"description,omitempty"`
	Status          *Status   `json:"status,omitempty"`
	Priority        *Priority `json:"priority,omitempty"`
	ConfidenceScore *float64  `json:"confidenceScore,omitempty"`
	RequiresReview  *bool     `json:"requiresReview,omitempty"`
	WasOverridden   *bool     `json:"wasOverridden,omitempty"`
	ReviewNotes     *string   `json:"reviewNotes,omitempty"`
	ReviewedByID    *string   `json:"reviewedById,omitempty"`
	ErrorMessage    *string   `json:"errorMessage,omitempty"`
	AgentID         *string   `json:"agentId,omitempty"`
	ProjectID       *string   `json:"projectId,omitempty"`
	AssigneeID      *string   `json:"assigneeId,omitempty"`
}

// Validate checks field-level constraints on the requested changes.
// It does not consult the current record; transition legality is the
// validator's job.
func (c Changes) Validate() error {
	if c.Title != nil && *c.Title == "" {
		return &ValidationError{Field: "title", Message: "must not be empty"}
	}
	if c.Status != nil && !c.Status.Valid() {
		return &ValidationError{Field: "status", Message: "unknown status " + string(*c.Status)}
	}
	if c.Priority != nil && !c.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "unknown priority " + string(*c.Priority)}
	}
	if c.ConfidenceScore != nil && (*c.ConfidenceScore < 0 || *c.ConfidenceScore > 1) {
		return &ValidationError{Field: "confidenceScore", Message: "must be in [0,1]"}
	}
	return nil
}
