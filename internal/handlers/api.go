package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
)

// APIHandler serves version and health endpoints
type APIHandler struct {
	manager   interfaces.StorageManager
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(manager interfaces.StorageManager, scheduler interfaces.SchedulerService, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		manager:   manager,
		scheduler: scheduler,
		logger:    logger,
	}
}

// VersionHandler handles GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteData(w, http.StatusOK, "version", map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler handles GET /api/health. Storage reachability decides health.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := "healthy"
	code := http.StatusOK
	storage := "ok"
	if _, err := h.manager.TaskStorage().Count(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusInternalServerError
		storage = err.Error()
	}

	WriteData(w, code, status, map[string]interface{}{
		"status":            status,
		"storage":           storage,
		"scheduler_running": h.scheduler.IsRunning(),
	})
}
