package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shrinklab/ffengine/internal/config"
	"github.com/shrinklab/ffengine/internal/ffmpeg"
	"github.com/shrinklab/ffengine/internal/jobs"
)

func classifyByEncoder(presetID string) jobs.ResourceClass {
	preset := ffmpeg.GetPreset(presetID)
	if preset != nil && preset.Encoder != ffmpeg.HWAccelNone {
		return jobs.ClassHardware
	}
	return jobs.ClassCPU
}

func setupTestHandler(t *testing.T) (*Handler, string) {
	tmpDir := t.TempDir()

	videoPath := filepath.Join(tmpDir, "episode1.mkv")
	if err := os.WriteFile(videoPath, []byte("fake video"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	cfg := &config.Config{
		MediaPath:        tmpDir,
		OriginalHandling: "replace",
		Workers:          1,
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
	}

	state := jobs.NewState()
	caps := jobs.ConcurrencyCaps{Unified: 1}
	window := jobs.ScheduleWindow{Enabled: false}
	pool := jobs.NewWorkerPool(state, caps, window, classifyByEncoder, nil, cfg.Workers)
	scanner := jobs.NewScanner(state, ffmpeg.NewProber(cfg.FFprobePath))

	handler := NewHandler(state, pool, scanner, cfg, "")

	return handler, tmpDir
}

func TestPresetsEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/api/presets", nil)
	w := httptest.NewRecorder()

	handler.Presets(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var presets []*ffmpeg.Preset
	if err := json.Unmarshal(w.Body.Bytes(), &presets); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if len(presets) == 0 {
		t.Error("expected at least one preset")
	}

	t.Logf("Presets: %d", len(presets))
}

func TestJobsEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	w := httptest.NewRecorder()

	handler.ListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)

	jobList, _ := result["jobs"].([]interface{})
	if len(jobList) != 0 {
		t.Errorf("expected 0 jobs, got %d", len(jobList))
	}
}

func TestCreateJobsEndpoint(t *testing.T) {
	handler, tmpDir := setupTestHandler(t)

	videoPath := filepath.Join(tmpDir, "episode1.mkv")
	presets := ffmpeg.ListPresets()
	if len(presets) == 0 {
		t.Fatal("no presets registered")
	}

	reqBody := CreateJobsRequest{
		Paths:    []string{videoPath},
		PresetID: presets[0].ID,
	}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("POST", "/api/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.CreateJobs(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	created, _ := result["created"].([]interface{})
	if len(created) != 1 {
		t.Errorf("expected 1 created job, got %d", len(created))
	}
}

func TestCreateJobsEndpointUnknownPreset(t *testing.T) {
	handler, tmpDir := setupTestHandler(t)

	reqBody := CreateJobsRequest{
		Paths:    []string{filepath.Join(tmpDir, "episode1.mkv")},
		PresetID: "does-not-exist",
	}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("POST", "/api/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.CreateJobs(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown preset, got %d", w.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/api/config", nil)
	w := httptest.NewRecorder()

	handler.GetConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var cfg map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &cfg)

	if cfg["original_handling"] != "replace" {
		t.Errorf("expected original_handling 'replace', got %v", cfg["original_handling"])
	}
}

func TestUpdateConfigEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	keepVal := "keep"
	reqBody := UpdateConfigRequest{
		OriginalHandling: &keepVal,
	}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("PUT", "/api/config", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.UpdateConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/config", nil)
	w = httptest.NewRecorder()

	handler.GetConfig(w, req)

	var cfg map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &cfg)

	if cfg["original_handling"] != "keep" {
		t.Errorf("expected original_handling 'keep', got %v", cfg["original_handling"])
	}
}

func TestUpdateConfigRejectsInvalidHandling(t *testing.T) {
	handler, _ := setupTestHandler(t)

	bogus := "delete"
	reqBody := UpdateConfigRequest{OriginalHandling: &bogus}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("PUT", "/api/config", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.UpdateConfig(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()

	handler.Stats(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse stats: %v", err)
	}

	queue, ok := result["queue"].(map[string]interface{})
	if !ok {
		t.Fatal("expected a queue object in stats response")
	}
	if total, _ := queue["total"].(float64); total != 0 {
		t.Errorf("expected 0 total jobs, got %v", queue["total"])
	}
}

func TestResizeWorkersEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	reqBody := ResizeWorkersRequest{Count: 4}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("PUT", "/api/workers", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.ResizeWorkers(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if handler.cfg.Workers != 4 {
		t.Errorf("expected cfg.Workers=4, got %d", handler.cfg.Workers)
	}
}

func TestGetJobNotFound(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/api/jobs/missing", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()

	handler.GetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestAutoCompressRejectsNonDirectory(t *testing.T) {
	handler, tmpDir := setupTestHandler(t)

	reqBody := AutoCompressRequest{Path: filepath.Join(tmpDir, "episode1.mkv")}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("POST", "/api/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.AutoCompress(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for a non-directory path, got %d", w.Code)
	}
}

func TestAutoCompressStartsABatchAndIsRetrievable(t *testing.T) {
	handler, tmpDir := setupTestHandler(t)

	reqBody := AutoCompressRequest{Path: tmpDir}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("POST", "/api/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.AutoCompress(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	var descriptor jobs.BatchDescriptor
	if err := json.Unmarshal(w.Body.Bytes(), &descriptor); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if descriptor.BatchID == "" {
		t.Fatal("expected a non-empty batch id")
	}

	req = httptest.NewRequest("GET", "/api/batches/"+descriptor.BatchID, nil)
	req.SetPathValue("id", descriptor.BatchID)
	w = httptest.NewRecorder()

	handler.GetBatch(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestDeleteBatchNotFound(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("DELETE", "/api/batches/missing", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()

	handler.DeleteBatch(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	handler, _ := setupTestHandler(t)

	req := httptest.NewRequest("GET", "/api/batches/missing", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()

	handler.GetBatch(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestJobStreamEndpoint(t *testing.T) {
	handler, _ := setupTestHandler(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/api/jobs/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan bool)
	go func() {
		handler.JobStream(w, req)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("SSE handler didn't respect context cancellation")
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	if !bytes.Contains(w.Body.Bytes(), []byte("data:")) {
		t.Error("expected SSE data in response")
	}
}
