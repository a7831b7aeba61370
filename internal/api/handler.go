package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/shrinklab/ffengine/internal/config"
	"github.com/shrinklab/ffengine/internal/ffmpeg"
	"github.com/shrinklab/ffengine/internal/jobs"
)

// Handler provides the HTTP surface over the job engine: enqueue,
// inspect, reorder, pause/cancel, and the SSE delta stream.
type Handler struct {
	state   *jobs.State
	pool    *jobs.WorkerPool
	scanner *jobs.Scanner
	cfg     *config.Config
	cfgPath string
}

// NewHandler creates a new API handler bound to the shared state and
// worker pool.
func NewHandler(state *jobs.State, pool *jobs.WorkerPool, scanner *jobs.Scanner, cfg *config.Config, cfgPath string) *Handler {
	return &Handler{state: state, pool: pool, scanner: scanner, cfg: cfg, cfgPath: cfgPath}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Presets handles GET /api/presets
func (h *Handler) Presets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ffmpeg.ListPresets())
}

// Encoders handles GET /api/encoders
func (h *Handler) Encoders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"encoders": ffmpeg.ListAvailableEncoders(),
		"best":     ffmpeg.GetBestEncoder(),
	})
}

// CreateJobsRequest is the request body for POST /api/jobs.
type CreateJobsRequest struct {
	Paths    []string `json:"paths"`
	PresetID string   `json:"preset_id"`
}

// CreateJobs handles POST /api/jobs. Each path is stat'd synchronously
// (cheap) to size the job; the expensive media probe happens later,
// inside the runner, right before the first encode attempt.
func (h *Handler) CreateJobs(w http.ResponseWriter, r *http.Request) {
	var req CreateJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "no paths provided")
		return
	}
	if ffmpeg.GetPreset(req.PresetID) == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset: %s", req.PresetID))
		return
	}

	specs := make([]jobs.EnqueueSpec, 0, len(req.Paths))
	var skipped []string
	for _, path := range req.Paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			skipped = append(skipped, path)
			continue
		}
		specs = append(specs, jobs.EnqueueSpec{
			InputPath:      path,
			JobType:        jobs.JobTypeVideo,
			Source:         jobs.SourceManual,
			OriginalSizeMB: float64(info.Size()) / (1024 * 1024),
			PresetID:       req.PresetID,
		})
	}

	created := h.state.EnqueueBulk(specs)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"created": created,
		"skipped": skipped,
	})
}

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  h.state.GetAll(),
		"stats": h.state.Stats(),
	})
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job := h.state.Get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /api/jobs/{id}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job := h.state.Get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status == jobs.StatusProcessing {
		h.pool.CancelJob(id)
	}
	if err := h.state.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// PauseJob handles POST /api/jobs/{id}/pause — requests a checkpoint
// pause on a running job; the runner honors it at the next progress tick.
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job := h.state.Get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	h.state.RequestWait(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "pause requested"})
}

// ResumeJob handles POST /api/jobs/{id}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.state.Resume(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// ReorderRequest is the request body for POST /api/jobs/reorder.
type ReorderRequest struct {
	IDs []string `json:"ids"`
}

// ReorderJobs handles POST /api/jobs/reorder
func (h *Handler) ReorderJobs(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.state.Reorder(req.IDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

// BulkDeleteRequest is the request body for POST /api/jobs/bulk-delete.
type BulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

// BulkDeleteJobs handles POST /api/jobs/bulk-delete
func (h *Handler) BulkDeleteJobs(w http.ResponseWriter, r *http.Request) {
	var req BulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.state.BulkDelete(req.IDs); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AutoCompressRequest is the request body for POST /api/batches. An
// empty Path falls back to the configured media path.
type AutoCompressRequest struct {
	Path string `json:"path"`
}

// AutoCompress handles POST /api/batches: starts a background scan of
// a media tree and returns the new batch id immediately.
func (h *Handler) AutoCompress(w http.ResponseWriter, r *http.Request) {
	var req AutoCompressRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	root := req.Path
	if root == "" {
		root = h.cfg.MediaPath
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("not a directory: %s", root))
		return
	}

	descriptor := h.scanner.RunAutoCompress(root, h.cfg)
	writeJSON(w, http.StatusAccepted, descriptor)
}

// GetBatch handles GET /api/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	batch := h.state.GetBatch(id)
	if batch == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// DeleteBatch handles DELETE /api/batches/{id}: removes the batch and
// its child jobs once every child has reached a terminal status.
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.state.DeleteBatch(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, jobs.ErrBatchNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// PauseQueue handles POST /api/queue/pause
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	requeued := h.pool.Pause()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "paused", "requeued": requeued})
}

// ResumeQueue handles POST /api/queue/resume
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.pool.Unpause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// ResumeStartupAutoPausedJobs handles POST /api/jobs/resume-startup-auto-paused
func (h *Handler) ResumeStartupAutoPausedJobs(w http.ResponseWriter, r *http.Request) {
	resumed := h.state.ResumeStartupAutoPausedJobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "resumed", "resumed": resumed})
}

// ResizeWorkersRequest is the request body for PUT /api/workers.
type ResizeWorkersRequest struct {
	Count int `json:"count"`
}

// ResizeWorkers handles PUT /api/workers
func (h *Handler) ResizeWorkers(w http.ResponseWriter, r *http.Request) {
	var req ResizeWorkersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	count := jobs.ClampWorkerCount(req.Count)
	h.pool.Resize(count)
	h.cfg.Workers = count
	if h.cfgPath != "" {
		if err := h.cfg.Save(h.cfgPath); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save config: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"workers": count})
}

// GetConfig handles GET /api/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg)
}

// UpdateConfigRequest is the request body for PUT /api/config.
type UpdateConfigRequest struct {
	OriginalHandling *string  `json:"original_handling,omitempty"`
	KeepLargerFiles  *bool    `json:"keep_larger_files,omitempty"`
	QualityHEVC      *int     `json:"quality_hevc,omitempty"`
	QualityAV1       *int     `json:"quality_av1,omitempty"`
	ScheduleEnabled  *bool    `json:"schedule_enabled,omitempty"`
	ScheduleStart    *int     `json:"schedule_start_hour,omitempty"`
	ScheduleEnd      *int     `json:"schedule_end_hour,omitempty"`
}

// UpdateConfig handles PUT /api/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.OriginalHandling != nil {
		if *req.OriginalHandling != "replace" && *req.OriginalHandling != "keep" {
			writeError(w, http.StatusBadRequest, "original_handling must be 'replace' or 'keep'")
			return
		}
		h.cfg.OriginalHandling = *req.OriginalHandling
	}
	if req.KeepLargerFiles != nil {
		h.cfg.KeepLargerFiles = *req.KeepLargerFiles
	}
	if req.QualityHEVC != nil {
		h.cfg.QualityHEVC = *req.QualityHEVC
	}
	if req.QualityAV1 != nil {
		h.cfg.QualityAV1 = *req.QualityAV1
	}
	if req.ScheduleEnabled != nil {
		h.cfg.ScheduleEnabled = *req.ScheduleEnabled
	}
	if req.ScheduleStart != nil {
		h.cfg.ScheduleStartHour = *req.ScheduleStart
	}
	if req.ScheduleEnd != nil {
		h.cfg.ScheduleEndHour = *req.ScheduleEnd
	}
	h.pool.SetWindow(jobs.ScheduleWindow{
		Enabled:   h.cfg.ScheduleEnabled,
		StartHour: h.cfg.ScheduleStartHour,
		EndHour:   h.cfg.ScheduleEndHour,
	})

	if h.cfgPath != "" {
		if err := h.cfg.Save(h.cfgPath); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save config: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":          h.state.Stats(),
		"presets":        h.state.PresetStatsSnapshot(),
		"activity_today": h.state.ActivityToday(),
	})
}
