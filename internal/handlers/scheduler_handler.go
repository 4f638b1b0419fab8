package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
)

// SchedulerHandler handles scheduler lifecycle and introspection requests
type SchedulerHandler struct {
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler with dependencies
func NewSchedulerHandler(scheduler interfaces.SchedulerService, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// StartHandler handles POST /api/scheduler/start
func (h *SchedulerHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.scheduler.Start(); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "scheduler started", h.scheduler.Status())
}

// StopHandler handles POST /api/scheduler/stop
func (h *SchedulerHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.scheduler.Stop(); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "scheduler stopped", h.scheduler.Status())
}

// ReloadHandler handles POST /api/scheduler/reload
func (h *SchedulerHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.scheduler.Reload(); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteData(w, http.StatusOK, "scheduler reloaded", h.scheduler.Status())
}

// StatusHandler handles GET /api/scheduler/status
func (h *SchedulerHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteData(w, http.StatusOK, "scheduler status", h.scheduler.Status())
}

// JobsHandler handles GET /api/scheduler/jobs
func (h *SchedulerHandler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobs, err := h.scheduler.PersistedJobs()
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteItems(w, "persisted jobs", jobs)
}
