package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"taskstream/internal/logging"
	"taskstream/internal/server/app"
	"taskstream/internal/server/ports"
)

const defaultMaxCreateTaskBodySize = 1 << 20 // 1 MiB

// APIHandler serves the task REST endpoints.
type APIHandler struct {
	registry *app.TaskRegistry
	executor *app.TaskExecutor
	maxBody  int64
	logger   logging.Logger
}

// NewAPIHandler creates the REST handler.
func NewAPIHandler(registry *app.TaskRegistry, executor *app.TaskExecutor) *APIHandler {
	return &APIHandler{
		registry: registry,
		executor: executor,
		maxBody:  defaultMaxCreateTaskBodySize,
		logger:   logging.NewComponentLogger("APIHandler"),
	}
}

type createTaskRequest struct {
	Prompt string `json:"prompt"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

// taskSummary is the list-view projection of a task.
type taskSummary struct {
	ID        string           `json:"id"`
	Prompt    string           `json:"prompt"`
	Status    ports.TaskStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// HandleCreateTask serves POST /tasks.
func (h *APIHandler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "invalid request body", err)
		return
	}

	owner := SubjectFromContext(r.Context())
	task, err := h.registry.CreateTask(r.Context(), owner, req.Prompt)
	if err != nil {
		if app.IsValidation(err) {
			writeJSONError(w, h.logger, http.StatusBadRequest, err.Error(), nil)
			return
		}
		writeJSONError(w, h.logger, http.StatusInternalServerError, "failed to create task", err)
		return
	}

	h.executor.Launch(r.Context(), task.ID, task.Prompt)
	writeJSON(w, h.logger, http.StatusOK, createTaskResponse{TaskID: task.ID})
}

// HandleListTasks serves GET /tasks, newest first.
func (h *APIHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	owner := SubjectFromContext(r.Context())
	tasks := h.registry.ListTasks(r.Context(), owner)

	summaries := make([]taskSummary, 0, len(tasks))
	for _, task := range tasks {
		summaries = append(summaries, taskSummary{
			ID:        task.ID,
			Prompt:    task.Prompt,
			Status:    task.Status,
			CreatedAt: task.CreatedAt,
		})
	}
	writeJSON(w, h.logger, http.StatusOK, summaries)
}

// HandleGetTask serves GET /tasks/{id}.
func (h *APIHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := h.registry.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, app.ErrTaskNotFound) {
			writeJSONError(w, h.logger, http.StatusNotFound, "task not found", nil)
			return
		}
		writeJSONError(w, h.logger, http.StatusInternalServerError, "failed to load task", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, task)
}

// HandleHealth serves GET /healthz. Public.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}
