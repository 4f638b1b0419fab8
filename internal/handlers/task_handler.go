package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/services/tasks"
)

// TaskHandler handles task CRUD, execution, and history requests
type TaskHandler struct {
	tasks    *tasks.Service
	executor interfaces.ExecutorService
	logger   arbor.ILogger
}

// NewTaskHandler creates a new task handler with dependencies
func NewTaskHandler(taskService *tasks.Service, executor interfaces.ExecutorService, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		tasks:    taskService,
		executor: executor,
		logger:   logger,
	}
}

// CollectionHandler handles GET (list) and POST (create) on /api/tasks
func (h *TaskHandler) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listTasks(w, r)
	case http.MethodPost:
		h.createTask(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// ItemHandler routes /api/tasks/{id} and its sub-resources
func (h *TaskHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/tasks/")
	if len(segments) == 0 {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	// Collection-level actions without a task id
	if len(segments) == 1 {
		switch segments[0] {
		case "statistics":
			h.statistics(w, r)
			return
		case "running":
			h.runningTasks(w, r)
			return
		case "batch-toggle":
			h.batchToggle(w, r)
			return
		case "filter":
			h.filter(w, r)
			return
		}
	}

	id, ok := ParseID(w, segments[0])
	if !ok {
		return
	}

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getTask(w, r, id)
		case http.MethodPut:
			h.updateTask(w, r, id)
		case http.MethodDelete:
			h.deleteTask(w, r, id)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch segments[1] {
	case "execute":
		h.execute(w, r, id)
	case "cancel":
		h.cancel(w, r, id)
	case "status":
		h.status(w, r, id)
	case "history":
		h.history(w, r, id)
	case "toggle":
		h.toggle(w, r, id)
	case "collect-links":
		h.executeMode(w, r, id, models.ScrapeModeLinksOnly)
	case "fetch-content":
		h.executeMode(w, r, id, models.ScrapeModeContentOnly)
	case "full-scrape":
		h.executeMode(w, r, id, models.ScrapeModeFullScrape)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

func (h *TaskHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.TaskListOptions{
		Status:   models.TaskStatus(r.URL.Query().Get("status")),
		NameLike: r.URL.Query().Get("name"),
	}
	if v := r.URL.Query().Get("is_auto"); v != "" {
		b := v == "true"
		opts.IsAuto = &b
	}
	if v := r.URL.Query().Get("is_active"); v != "" {
		b := v == "true"
		opts.IsActive = &b
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset > 0 {
			opts.Offset = offset
		}
	}

	items, err := h.tasks.List(r.Context(), opts)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "tasks", items)
}

func (h *TaskHandler) createTask(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if !DecodeJSONBody(w, r, &task) {
		return
	}

	created, err := h.tasks.Create(r.Context(), &task)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusCreated, "task created", "task", created)
}

func (h *TaskHandler) getTask(w http.ResponseWriter, r *http.Request, id uint64) {
	task, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusOK, "task", "task", task)
}

func (h *TaskHandler) updateTask(w http.ResponseWriter, r *http.Request, id uint64) {
	var task models.Task
	if !DecodeJSONBody(w, r, &task) {
		return
	}
	task.ID = id

	updated, err := h.tasks.Update(r.Context(), &task)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusOK, "task updated", "task", updated)
}

func (h *TaskHandler) deleteTask(w http.ResponseWriter, r *http.Request, id uint64) {
	if err := h.tasks.Delete(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "task deleted")
}

func (h *TaskHandler) execute(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var args *models.ScrapeOptions
	if r.ContentLength > 0 {
		var opts models.ScrapeOptions
		if !DecodeJSONBody(w, r, &opts) {
			return
		}
		args = &opts
	}

	if err := h.executor.Execute(r.Context(), id, args); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "task execution started", map[string]uint64{"task_id": id})
}

func (h *TaskHandler) executeMode(w http.ResponseWriter, r *http.Request, id uint64, mode models.ScrapeMode) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var err error
	switch mode {
	case models.ScrapeModeLinksOnly:
		err = h.executor.CollectLinksOnly(r.Context(), id)
	case models.ScrapeModeContentOnly:
		err = h.executor.FetchContentOnly(r.Context(), id)
	default:
		err = h.executor.FetchFullArticle(r.Context(), id)
	}
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "task execution started", map[string]interface{}{
		"task_id":     id,
		"scrape_mode": mode,
	})
}

func (h *TaskHandler) cancel(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.executor.Cancel(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "task cancel processed")
}

func (h *TaskHandler) status(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	status, err := h.executor.Status(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "task status", status)
}

func (h *TaskHandler) history(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	opts := &interfaces.HistoryListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset > 0 {
			opts.Offset = offset
		}
	}

	items, err := h.tasks.History(r.Context(), id, opts)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "task history", items)
}

func (h *TaskHandler) toggle(w http.ResponseWriter, r *http.Request, id uint64) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		IsActive *bool `json:"is_active"`
	}
	if r.ContentLength > 0 {
		if !DecodeJSONBody(w, r, &body) {
			return
		}
	}

	task, err := h.tasks.ToggleActive(r.Context(), id, body.IsActive)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteEnvelope(w, http.StatusOK, "task activation changed", "task", task)
}

func (h *TaskHandler) batchToggle(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		IDs      []uint64 `json:"ids"`
		IsActive bool     `json:"is_active"`
	}
	if !DecodeJSONBody(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}

	result, err := h.tasks.BatchToggle(r.Context(), body.IDs, body.IsActive)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "batch toggle processed", result)
}

func (h *TaskHandler) filter(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var opts interfaces.TaskListOptions
	if !DecodeJSONBody(w, r, &opts) {
		return
	}

	items, err := h.tasks.List(r.Context(), &opts)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "tasks", items)
}

func (h *TaskHandler) statistics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.tasks.Statistics(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "task statistics", stats)
}

func (h *TaskHandler) runningTasks(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteItems(w, "running tasks", h.executor.RunningTasks())
}
