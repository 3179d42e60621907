package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskgate/internal/persistence"
	"github.com/basket/taskgate/internal/task"
)

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

// handleTaskByID dispatches /tasks/{id} and /tasks/{id}/events.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required", nil)
		return
	}

	if len(parts) == 2 {
		if parts[1] == "events" && r.Method == http.MethodGet {
			s.listTaskEvents(w, r, taskID)
			return
		}
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getTask(w, r, taskID)
	case http.MethodPatch:
		s.updateTask(w, r, taskID)
	case http.MethodDelete:
		s.deleteTask(w, r, taskID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error(), nil)
		return
	}
	if err := validateBody(createTaskSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var ch task.Changes
	if err := json.Unmarshal(body, &ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), nil)
		return
	}

	created, err := s.cfg.Coordinator.Create(r.Context(), userID, ch)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := s.cfg.Coordinator.Get(r.Context(), taskID, UserID(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	userID := UserID(r.Context())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error(), nil)
		return
	}
	if err := validateBody(updateTaskSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var ch task.Changes
	if err := json.Unmarshal(body, &ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), nil)
		return
	}

	updated, err := s.cfg.Coordinator.ApplyUpdate(r.Context(), taskID, ch, userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.cfg.Coordinator.Delete(r.Context(), taskID, UserID(r.Context())); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deletedId": taskID})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	q := r.URL.Query()

	var filter persistence.ListFilter
	if v := q.Get("status"); v != "" {
		status := task.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v, nil)
			return
		}
		filter.Status = &status
	}
	if v := q.Get("priority"); v != "" {
		priority := task.Priority(v)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, "unknown priority "+v, nil)
			return
		}
		filter.Priority = &priority
	}
	filter.AgentID = q.Get("agentId")
	if v := q.Get("requiresReview"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "requiresReview must be a boolean", nil)
			return
		}
		filter.RequiresReview = &b
	}
	if v := q.Get("hasError"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hasError must be a boolean", nil)
			return
		}
		filter.HasError = &b
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	// Full-text search narrows the listing to matching ids first, then
	// the store applies the remaining filters and the owner scope.
	if text := q.Get("q"); text != "" {
		if s.cfg.Search == nil {
			writeError(w, http.StatusServiceUnavailable, "search is disabled", nil)
			return
		}
		ids, err := s.cfg.Search.Query(userID, text, 200)
		if err != nil {
			s.logger.Error("search query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "search failed", nil)
			return
		}
		if len(ids) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{"tasks": []task.Task{}, "total": 0})
			return
		}
		filter.IDs = ids
	}

	tasks, total, err := s.cfg.Coordinator.List(r.Context(), userID, filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) listTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Coordinator.Events(r.Context(), taskID, UserID(r.Context()), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []persistence.TransitionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// writeDomainError maps the coordinator's error taxonomy onto HTTP.
// Illegal transitions carry both statuses in details so clients can
// render the exact rejection.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		itErr *task.InvalidTransitionError
		vErr  *task.ValidationError
	)
	switch {
	case errors.As(err, &itErr):
		writeError(w, http.StatusBadRequest, itErr.Error(), map[string]any{
			"currentStatus":   string(itErr.Current),
			"requestedStatus": string(itErr.Requested),
		})
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error(), map[string]any{
			"field": vErr.Field,
		})
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found", nil)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}
