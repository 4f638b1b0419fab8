package server

import "net/http"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket endpoint for progress streaming
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// System endpoints
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Task endpoints
	mux.HandleFunc("/api/tasks", s.app.TaskHandler.CollectionHandler) // GET (list), POST (create)
	mux.HandleFunc("/api/tasks/", s.app.TaskHandler.ItemHandler)      // {id}, {id}/execute, {id}/cancel, {id}/status, {id}/history, ...

	// Crawler endpoints
	mux.HandleFunc("/api/crawlers", s.app.CrawlerHandler.CollectionHandler) // GET (list), POST (create, multipart)
	mux.HandleFunc("/api/crawlers/", s.app.CrawlerHandler.ItemHandler)      // {id}, name/{name}, type/{type}, test/{name}, ...

	// Scheduler endpoints
	mux.HandleFunc("/api/scheduler/start", s.app.SchedulerHandler.StartHandler)
	mux.HandleFunc("/api/scheduler/stop", s.app.SchedulerHandler.StopHandler)
	mux.HandleFunc("/api/scheduler/reload", s.app.SchedulerHandler.ReloadHandler)
	mux.HandleFunc("/api/scheduler/status", s.app.SchedulerHandler.StatusHandler)
	mux.HandleFunc("/api/scheduler/jobs", s.app.SchedulerHandler.JobsHandler)

	return mux
}
