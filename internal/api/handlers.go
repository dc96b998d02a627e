package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/toolhunt/toolhunt/internal/apperr"
	"github.com/toolhunt/toolhunt/internal/db/models"
	"github.com/toolhunt/toolhunt/internal/metrics"
	"github.com/toolhunt/toolhunt/internal/tasks"
)

type toolView struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

type taskView struct {
	ID    uint     `json:"id"`
	Tool  toolView `json:"tool"`
	Field string   `json:"field"`
}

func newTaskView(t models.Task) taskView {
	return taskView{
		ID: t.ID,
		Tool: toolView{
			Name:        t.Tool.Name,
			Title:       t.Tool.Title,
			Description: t.Tool.Description,
			URL:         t.Tool.URL,
		},
		Field: t.Field,
	}
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 20 {
			s.writeError(w, fmt.Errorf("limit must be between 1 and 20: %w", apperr.ErrValidation))
			return
		}
		limit = n
	}

	selected, err := s.tasks.Select(r.Context(), tasks.SelectOptions{
		Fields:    splitParam(r.URL.Query().Get("field_names")),
		Tools:     splitParam(r.URL.Query().Get("tool_names")),
		Limit:     limit,
		Randomize: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(selected) == 0 {
		s.writeError(w, fmt.Errorf("no tasks found: %w", apperr.ErrNotFound))
		return
	}

	views := make([]taskView, 0, len(selected))
	for _, t := range selected {
		views = append(views, newTaskView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("invalid task id: %w", apperr.ErrValidation))
		return
	}
	task, err := s.tasks.Get(r.Context(), uint(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(*task))
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("invalid task id: %w", apperr.ErrValidation))
		return
	}

	var sub tasks.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, fmt.Errorf("invalid submission body: %w", apperr.ErrValidation))
		return
	}

	user := currentUser(r.Context())
	receipt, err := s.tasks.Submit(r.Context(), uint(id), sub, tasks.Actor{
		ID:       user.ID,
		Username: user.Username,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":           "Task submission recorded successfully",
		"completed_task_id": receipt.CompletedTaskID,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	summary, err := s.tasks.GetAllToolsSummary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.Annotations) == 0 {
		s.writeError(w, fmt.Errorf("no fields configured: %w", apperr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Annotations)
}

func (s *Server) handleContributions(w http.ResponseWriter, r *http.Request) {
	days, err := optionalInt(r, "days")
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := optionalInt(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}

	ranked, err := metrics.Leaderboard(r.Context(), s.db, days, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contributions": ranked})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	pruned, err := s.schema.Annotations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pruned)
}

func optionalInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer: %w", name, apperr.ErrValidation)
	}
	return n, nil
}
