package api

import "net/http"

// NewRouter creates the HTTP router for the engine's command and
// event-stream surface. There is no embedded UI: the engine is
// consumed as a headless API plus an SSE feed.
func NewRouter(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/presets", h.Presets)
	mux.HandleFunc("GET /api/encoders", h.Encoders)

	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("POST /api/jobs", h.CreateJobs)
	mux.HandleFunc("GET /api/jobs/stream", h.JobStream)
	mux.HandleFunc("POST /api/jobs/reorder", h.ReorderJobs)
	mux.HandleFunc("POST /api/jobs/bulk-delete", h.BulkDeleteJobs)
	mux.HandleFunc("POST /api/jobs/resume-startup-auto-paused", h.ResumeStartupAutoPausedJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.CancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/pause", h.PauseJob)
	mux.HandleFunc("POST /api/jobs/{id}/resume", h.ResumeJob)

	mux.HandleFunc("POST /api/batches", h.AutoCompress)
	mux.HandleFunc("GET /api/batches/{id}", h.GetBatch)
	mux.HandleFunc("DELETE /api/batches/{id}", h.DeleteBatch)

	mux.HandleFunc("POST /api/queue/pause", h.PauseQueue)
	mux.HandleFunc("POST /api/queue/resume", h.ResumeQueue)
	mux.HandleFunc("PUT /api/workers", h.ResizeWorkers)

	mux.HandleFunc("GET /api/config", h.GetConfig)
	mux.HandleFunc("PUT /api/config", h.UpdateConfig)

	mux.HandleFunc("GET /api/stats", h.Stats)

	return mux
}
