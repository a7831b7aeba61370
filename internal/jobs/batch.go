package jobs

import "time"

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchScanning BatchStatus = "scanning"
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "completed"
	BatchFailed   BatchStatus = "failed"
)

// Batch groups scan-derived child jobs under a single id with an
// aggregate status and progress counters (C8).
type Batch struct {
	ID              string      `json:"id"`
	RootPath        string      `json:"root_path"`
	ReplaceOriginal bool        `json:"replace_original"`
	Status          BatchStatus `json:"status"`

	FilesScanned int `json:"files_scanned"`
	Candidates   int `json:"candidates"`
	Processed    int `json:"processed"`

	ChildJobIDs []string `json:"child_job_ids"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Copy returns an independent copy of the batch.
func (b *Batch) Copy() *Batch {
	cp := *b
	cp.ChildJobIDs = append([]string(nil), b.ChildJobIDs...)
	return &cp
}

// BatchDescriptor is returned from RunAutoCompress to identify the
// newly started batch.
type BatchDescriptor struct {
	BatchID string `json:"batch_id"`
}
