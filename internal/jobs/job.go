// Package jobs implements the transcoding queue engine: job state,
// scheduling, the per-job runner, segment/pause handling, persistence
// and crash recovery, listener fan-out, and batch grouping.
package jobs

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusWaiting    Status = "waiting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// IsSelectable reports whether a job in status s is eligible for worker
// selection. Queued and Waiting are selectable; Paused is not.
func (s Status) IsSelectable() bool {
	return s == StatusQueued || s == StatusWaiting
}

// JobType distinguishes the media kind a job transcodes.
type JobType string

const (
	JobTypeVideo JobType = "video"
	JobTypeAudio JobType = "audio"
	JobTypeImage JobType = "image"
)

// Source records how a job was created.
type Source string

const (
	SourceManual     Source = "manual"
	SourceBatchScan  Source = "batch-scan"
)

// MediaInfo holds probed source-media metadata, used both to plan the
// transcode and to report source stats to the UI.
type MediaInfo struct {
	DurationMS int64    `json:"duration_ms,omitempty"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	FrameRate  float64  `json:"frame_rate,omitempty"`
	VideoCodec string   `json:"video_codec,omitempty"`
	AudioCodec string   `json:"audio_codec,omitempty"`
}

// Run records one encoder invocation belonging to a job (one per
// segment, plus the final concat pass).
type Run struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	ExitCause  string    `json:"exit_cause"` // "completed", "wait", "cancel", "failed"
	SegmentIdx int       `json:"segment_idx"`
}

// WaitMetadata is the persisted snapshot of a paused job's progress and
// segment list, used to resume at the correct offset.
type WaitMetadata struct {
	LastProgressPercent        float64  `json:"last_progress_percent"`
	ProcessedSeconds           float64  `json:"processed_seconds"`
	TargetSeconds              float64  `json:"target_seconds"`
	LastProgressOutTimeSeconds float64  `json:"last_progress_out_time_seconds"`
	LastProgressFrame          int64    `json:"last_progress_frame"`
	TmpOutputPath              string   `json:"tmp_output_path"`
	Segments                   []string `json:"segments"`
	SegmentEndTargets          []float64 `json:"segment_end_targets"`
}

// Job is the primary entity of the engine.
type Job struct {
	ID         string  `json:"id"`
	InputPath  string  `json:"input_path"`
	OutputPath string  `json:"output_path,omitempty"`
	JobType    JobType `json:"job_type"`
	Source     Source  `json:"source"`
	PresetID   string  `json:"preset_id"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`

	StartTimeMS            int64 `json:"start_time_ms,omitempty"`
	EndTimeMS               int64 `json:"end_time_ms,omitempty"`
	ProcessingStartedMS     int64 `json:"processing_started_ms,omitempty"`
	ElapsedMS               int64 `json:"elapsed_ms,omitempty"`

	OriginalSizeMB float64   `json:"original_size_mb,omitempty"`
	OutputSizeMB   float64   `json:"output_size_mb,omitempty"`
	MediaInfo      MediaInfo `json:"media_info"`

	WaitMetadata *WaitMetadata `json:"wait_metadata,omitempty"`
	Runs         []Run         `json:"runs,omitempty"`

	LogHead []string `json:"log_head,omitempty"`
	LogTail []string `json:"log_tail,omitempty"`
	Logs    []string `json:"logs,omitempty"`

	FFmpegCommand []string `json:"ffmpeg_command,omitempty"`

	BatchID string `json:"batch_id,omitempty"`

	PreviewPath     string `json:"preview_path,omitempty"`
	PreviewRevision int    `json:"preview_revision,omitempty"`

	SkipReason    string   `json:"skip_reason,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Copy returns a deep-enough copy of the job for safe snapshot use:
// slice/pointer fields are cloned so a caller mutating the running job
// cannot corrupt a previously handed-out snapshot.
func (j *Job) Copy() *Job {
	cp := *j
	if j.WaitMetadata != nil {
		wm := *j.WaitMetadata
		wm.Segments = append([]string(nil), j.WaitMetadata.Segments...)
		wm.SegmentEndTargets = append([]float64(nil), j.WaitMetadata.SegmentEndTargets...)
		cp.WaitMetadata = &wm
	}
	cp.Runs = append([]Run(nil), j.Runs...)
	cp.LogHead = append([]string(nil), j.LogHead...)
	cp.LogTail = append([]string(nil), j.LogTail...)
	cp.Logs = append([]string(nil), j.Logs...)
	cp.FFmpegCommand = append([]string(nil), j.FFmpegCommand...)
	cp.Warnings = append([]string(nil), j.Warnings...)
	return &cp
}

// UILite strips fields that are only meaningful for crash recovery
// (segment bookkeeping, raw log buffers) so the UI re-derives anything
// it needs from simpler fields.
type UILite struct {
	ID         string  `json:"id"`
	InputPath  string  `json:"input_path"`
	OutputPath string  `json:"output_path,omitempty"`
	JobType    JobType `json:"job_type"`
	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	QueueOrder int     `json:"queue_order"`
	BatchID    string  `json:"batch_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	SkipReason    string `json:"skip_reason,omitempty"`
}

// UILite projects the job into its UI-facing lite shape.
func (j *Job) UILite(queueOrder int) UILite {
	return UILite{
		ID:            j.ID,
		InputPath:     j.InputPath,
		OutputPath:    j.OutputPath,
		JobType:       j.JobType,
		Status:        j.Status,
		Progress:      j.Progress,
		QueueOrder:    queueOrder,
		BatchID:       j.BatchID,
		FailureReason: j.FailureReason,
		SkipReason:    j.SkipReason,
	}
}

const logTailCapacity = 200
const logHeadCapacity = 20

// appendLog appends a line to the job's bounded log buffers: the first
// logHeadCapacity lines are preserved forever as log_head, and log_tail
// is a ring buffer of the most recent logTailCapacity lines.
func (j *Job) appendLog(line string) {
	j.Logs = append(j.Logs, line)
	if len(j.LogHead) < logHeadCapacity {
		j.LogHead = append(j.LogHead, line)
	}
	j.LogTail = append(j.LogTail, line)
	if len(j.LogTail) > logTailCapacity {
		j.LogTail = j.LogTail[len(j.LogTail)-logTailCapacity:]
	}
}
