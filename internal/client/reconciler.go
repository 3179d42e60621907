package client

import (
	"sync"

	"github.com/basket/taskgate/internal/broadcast"
	"github.com/basket/taskgate/internal/task"
)

// pendingOp is one in-flight optimistic mutation. The snapshot is the
// exact pre-mutation record (nil when the task did not exist locally),
// kept so a server rejection can restore it byte for byte.
type pendingOp struct {
	seq      uint64
	snapshot *task.Task
}

// Reconciler keeps a local view of the caller's tasks that is updated
// optimistically on writes and converged by inbound events. While a
// task has an operation in flight, inbound events for it are suppressed
// so the optimistic state is not clobbered by the echo of an older
// write; the server response for the operation itself carries the
// authoritative record.
type Reconciler struct {
	mu      sync.Mutex
	tasks   map[string]task.Task
	pending map[string]pendingOp
	nextSeq uint64
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		tasks:   make(map[string]task.Task),
		pending: make(map[string]pendingOp),
	}
}

// Get returns the local view of one task.
func (r *Reconciler) Get(taskID string) (task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

// Len returns the number of locally known tasks.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Seed replaces the local view with a server listing. Tasks with a
// pending operation keep their optimistic state.
func (r *Reconciler) Seed(tasks []task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if _, inflight := r.pending[t.ID]; inflight {
			continue
		}
		r.tasks[t.ID] = t.Clone()
	}
}

// BeginUpdate applies mutate to the local copy immediately and returns
// the sequence token for the in-flight request. A second operation on
// the same task replaces the first as "current"; the older response
// will be rejected as stale by its token.
func (r *Reconciler) BeginUpdate(taskID string, mutate func(*task.Task)) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[taskID]
	if !ok {
		return 0, false
	}

	// The snapshot is taken from the pre-mutation state only for the
	// first in-flight op; a stacked op must roll back to the state
	// before the whole chain, not to another optimistic guess. A chain
	// rooted in an unconfirmed create keeps the nil snapshot so a
	// failure removes the placeholder instead of restoring a zero
	// value.
	snap := current.Clone()
	snapshot := &snap
	if prior, inflight := r.pending[taskID]; inflight {
		snapshot = nil
		if prior.snapshot != nil {
			s := prior.snapshot.Clone()
			snapshot = &s
		}
	}

	r.nextSeq++
	seq := r.nextSeq
	r.pending[taskID] = pendingOp{seq: seq, snapshot: snapshot}

	mutate(&current)
	r.tasks[taskID] = current
	return seq, true
}

// BeginCreate inserts an optimistic placeholder for a task being
// created. The server response will replace it via Resolve.
func (r *Reconciler) BeginCreate(placeholder task.Task) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	seq := r.nextSeq
	r.pending[placeholder.ID] = pendingOp{seq: seq, snapshot: nil}
	r.tasks[placeholder.ID] = placeholder.Clone()
	return seq
}

// BeginDelete removes the task locally, keeping the snapshot for
// rollback.
func (r *Reconciler) BeginDelete(taskID string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[taskID]
	if !ok {
		return 0, false
	}
	snapshot := current.Clone()

	r.nextSeq++
	seq := r.nextSeq
	r.pending[taskID] = pendingOp{seq: seq, snapshot: &snapshot}
	delete(r.tasks, taskID)
	return seq, true
}

// Resolve settles an in-flight operation with the server's answer.
// A response whose token no longer matches the current pending op is
// stale (a newer optimistic op superseded it) and is dropped. On
// success the server record is authoritative; on failure the exact
// pre-mutation snapshot is restored.
//
// serverTask nil with opErr nil means the operation deleted the task.
func (r *Reconciler) Resolve(taskID string, seq uint64, serverTask *task.Task, opErr error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, inflight := r.pending[taskID]
	if !inflight || p.seq != seq {
		return false
	}
	delete(r.pending, taskID)

	if opErr != nil {
		if p.snapshot == nil {
			// Failed create: the placeholder never existed server-side.
			delete(r.tasks, taskID)
		} else {
			r.tasks[taskID] = p.snapshot.Clone()
		}
		return true
	}

	if serverTask == nil {
		delete(r.tasks, taskID)
		return true
	}
	r.tasks[taskID] = serverTask.Clone()
	return true
}

// ApplyEvent folds one inbound broadcast event into the local view.
// Events for a task with an in-flight operation are suppressed and
// report false; everything else is applied and reports true.
func (r *Reconciler) ApplyEvent(ev broadcast.Event) bool {
	taskID := ev.TaskID
	if taskID == "" && ev.Task != nil {
		taskID = ev.Task.ID
	}
	if taskID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, inflight := r.pending[taskID]; inflight {
		return false
	}

	switch ev.Type {
	case broadcast.EventTaskCreated, broadcast.EventTaskUpdated:
		if ev.Task == nil {
			return false
		}
		r.tasks[taskID] = ev.Task.Clone()
	case broadcast.EventTaskDeleted:
		delete(r.tasks, taskID)
	default:
		return false
	}
	return true
}
