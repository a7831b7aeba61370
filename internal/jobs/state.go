package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// EnqueueSpec is the input to Enqueue/EnqueueBulk.
type EnqueueSpec struct {
	InputPath      string
	JobType        JobType
	Source         Source
	OriginalSizeMB float64
	PresetID       string
	MediaInfo      MediaInfo
}

// ClassifyFunc maps a preset id to the resource class the scheduler
// uses for split concurrency caps. Supplied by the caller since
// the state store has no opinion on preset contents.
type ClassifyFunc func(presetID string) ResourceClass

// State is the engine's single mutex-protected authoritative store
// (C1): the jobs map, the waiting-queue ordering, the active
// sets, batches, preset stats, and the listener registry that
// broadcasts every observable change.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	jobs  map[string]*Job
	queue []string // ordered: queued, paused, waiting jobs; invariant 1

	activeJobs   map[string]struct{} // claimed ids; invariant 2
	activeInputs map[string]struct{} // input paths of activeJobs; invariant 3

	cancelledJobs map[string]struct{}
	waitRequested map[string]struct{}

	// startupAutoPaused holds the ids Recover flagged as paused because
	// of the previous session's shutdown marker; resumable in bulk via
	// ResumeStartupAutoPausedJobs.
	startupAutoPaused map[string]struct{}

	batches map[string]*Batch

	presetStats    map[string]*PresetStats
	presetActivity map[string]*presetActivity

	nextJobID        int64
	snapshotRevision uint64

	lastLite map[string]UILite // for delta computation

	listeners listenerRegistry

	shutdown bool
}

// NewState constructs an empty state store.
func NewState() *State {
	s := &State{
		jobs:           make(map[string]*Job),
		activeJobs:     make(map[string]struct{}),
		activeInputs:   make(map[string]struct{}),
		cancelledJobs:  make(map[string]struct{}),
		waitRequested:  make(map[string]struct{}),
		startupAutoPaused: make(map[string]struct{}),
		batches:        make(map[string]*Batch),
		presetStats:    make(map[string]*PresetStats),
		presetActivity: make(map[string]*presetActivity),
		lastLite:       make(map[string]UILite),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *State) nextID() string {
	s.nextJobID++
	return fmt.Sprintf("%d", s.nextJobID)
}

// RaiseNextJobID ensures subsequently generated ids exceed id (invariant
// 5). Used by the persistence recovery pipeline.
func (s *State) RaiseNextJobID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= s.nextJobID {
		s.nextJobID = id
	}
}

// Enqueue inserts one new job in Queued status, appends it to the
// waiting queue, and broadcasts.
func (s *State) Enqueue(spec EnqueueSpec) *Job {
	s.mu.Lock()
	job := s.enqueueLocked(spec)
	s.notifyLocked()
	s.mu.Unlock()
	s.cond.Signal()
	return job
}

func (s *State) enqueueLocked(spec EnqueueSpec) *Job {
	job := &Job{
		ID:             s.nextID(),
		InputPath:      spec.InputPath,
		JobType:        spec.JobType,
		Source:         spec.Source,
		PresetID:       spec.PresetID,
		Status:         StatusQueued,
		OriginalSizeMB: spec.OriginalSizeMB,
		MediaInfo:      spec.MediaInfo,
		CreatedAt:      time.Now(),
	}
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job.ID)
	return job
}

// EnqueueBulk appends many jobs with a single broadcast, avoiding a
// per-job event storm.
func (s *State) EnqueueBulk(specs []EnqueueSpec) []*Job {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(specs))
	for _, spec := range specs {
		jobs = append(jobs, s.enqueueLocked(spec))
	}
	s.notifyLocked()
	s.mu.Unlock()
	s.cond.Broadcast()
	return jobs
}

// Get returns a copy of the job, or nil if it doesn't exist.
func (s *State) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return j.Copy()
}

// orderedIDsLocked returns job ids in queue order followed by active
// (processing) ids, for snapshot / queue_order derivation.
func (s *State) orderedIDsLocked() []string {
	ordered := make([]string, 0, len(s.jobs))
	seen := make(map[string]struct{}, len(s.jobs))
	for _, id := range s.queue {
		if _, ok := s.jobs[id]; ok {
			ordered = append(ordered, id)
			seen[id] = struct{}{}
		}
	}
	// Active and terminal jobs aren't part of queue[]; append them,
	// sorted by id for determinism.
	rest := make([]string, 0, len(s.jobs)-len(seen))
	for id := range s.jobs {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// GetAll returns every job, in queue order, terminal/active jobs last.
func (s *State) GetAll() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.orderedIDsLocked()
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id].Copy())
	}
	return out
}

// ClaimNext performs the scheduler's select_next()+claim as one atomic
// operation: the first queue entry whose status is
// selectable, whose input path isn't already active, and whose
// resource class has spare capacity is moved into the active sets and
// transitioned to Processing. Selection skips but does not reorder
// ineligible entries, preserving FIFO for everyone else.
func (s *State) ClaimNext(caps ConcurrencyCaps, classify ClassifyFunc) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimNextLocked(caps, classify)
}

func (s *State) claimNextLocked(caps ConcurrencyCaps, classify ClassifyFunc) *Job {
	classCounts := map[ResourceClass]int{}
	if caps.Split() {
		for id := range s.activeJobs {
			j := s.jobs[id]
			classCounts[classify(j.PresetID)]++
		}
	} else {
		classCounts[ClassCPU] = len(s.activeJobs)
	}

	for i, id := range s.queue {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if !job.Status.IsSelectable() {
			continue
		}
		if _, blocked := s.activeInputs[job.InputPath]; blocked {
			continue
		}
		class := ClassCPU
		if caps.Split() {
			class = classify(job.PresetID)
		}
		cap := caps.CapFor(class)
		if cap > 0 && classCounts[class] >= cap {
			continue
		}

		// Claim: remove from queue, add to active sets.
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		s.activeJobs[id] = struct{}{}
		s.activeInputs[job.InputPath] = struct{}{}
		job.Status = StatusProcessing
		now := time.Now()
		job.ProcessingStartedMS = now.UnixMilli()
		s.presetActivityLocked(job.PresetID).start(now)
		s.notifyLocked()
		return job
	}
	return nil
}

func (s *State) presetActivityLocked(presetID string) *presetActivity {
	a, ok := s.presetActivity[presetID]
	if !ok {
		a = &presetActivity{}
		s.presetActivity[presetID] = a
	}
	return a
}

// foldPresetWallClock closes out jobID's open processing interval
// against its preset's wall-clock union and folds any resulting delta
// into the cumulative stats. Called once per job, after the run has
// stopped touching it, regardless of how it ended.
func (s *State) foldPresetWallClock(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	delta := s.presetActivityLocked(job.PresetID).stop(time.Now())
	if delta > 0 {
		s.presetStatsLocked(job.PresetID).WallClockSeconds += delta
	}
}

func (s *State) presetStatsLocked(presetID string) *PresetStats {
	ps, ok := s.presetStats[presetID]
	if !ok {
		ps = &PresetStats{PresetID: presetID}
		s.presetStats[presetID] = ps
	}
	return ps
}

// Requeue moves a processing job back to the front of the waiting
// queue and demotes it to Queued, without clearing its active claim —
// callers (pause/resize) must also release the active slot once the
// runner has actually stopped. This lets
// Requeue be called while the job is still "running" so the reverse
// iteration trick in Pause/Resize preserves FIFO order across multiple
// simultaneous requeues.
func (s *State) Requeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.Status = StatusQueued
	s.queue = append([]string{id}, s.queue...)
}

// ReleaseActive clears id's claim on the active sets. Called once the
// runner goroutine has actually stopped touching the job (after
// Requeue, or after any terminal transition).
func (s *State) ReleaseActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseActiveLocked(id)
}

func (s *State) releaseActiveLocked(id string) {
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	if _, active := s.activeJobs[id]; active {
		delete(s.activeJobs, id)
		delete(s.activeInputs, job.InputPath)
	}
}

// Handoff performs the scheduler's atomic finalize-then-reclaim step
//: under one lock acquisition it releases id's active
// claim, folds its preset wall-clock interval, and immediately claims
// the next eligible job if one exists, so subscribers never observe a
// transient "nothing processing" state between back-to-back jobs.
func (s *State) Handoff(id string, caps ConcurrencyCaps, classify ClassifyFunc) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if ok {
		s.releaseActiveLocked(id)
		delta := s.presetActivityLocked(job.PresetID).stop(time.Now())
		if delta > 0 {
			s.presetStatsLocked(job.PresetID).WallClockSeconds += delta
		}
	}
	return s.claimNextLocked(caps, classify)
}

// Mutate applies fn to the job under the lock and broadcasts the
// result. Used by the runner to update progress/logs/media info on a
// claimed job without going through a named transition method.
func (s *State) Mutate(id string, fn func(*Job)) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFoundError(id)
	}
	fn(job)
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

// UpdateProgress applies a monotonic-non-decreasing progress update
// (P3) without persisting (persistence is throttled separately by C6).
func (s *State) UpdateProgress(id string, percent float64) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusProcessing {
		s.mu.Unlock()
		return
	}
	if percent < job.Progress {
		s.mu.Unlock()
		return
	}
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	job.Progress = percent
	job.ElapsedMS = time.Now().UnixMilli() - job.ProcessingStartedMS
	s.notifyLocked()
	s.mu.Unlock()
}

// RequestWait marks id for a graceful pause at the next checkpoint.
func (s *State) RequestWait(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitRequested[id] = struct{}{}
	delete(s.cancelledJobs, id) // a fresh wait supersedes a stale cancel
}

// RequestCancel marks id for cancellation at the next checkpoint and
// clears any pending wait request, so "pause then cancel" collapses to
// cancel.
func (s *State) RequestCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelledJobs[id] = struct{}{}
	delete(s.waitRequested, id)
}

// ConsumeWaitRequest reports and clears a pending wait request for id.
func (s *State) ConsumeWaitRequest(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waitRequested[id]
	delete(s.waitRequested, id)
	return ok
}

// IsCancelled reports whether a cancel request is pending for id.
func (s *State) IsCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelledJobs[id]
	return ok
}

// Pause transitions a processing job to Paused with the given wait
// metadata. The caller must have already stopped the subprocess; Pause
// leaves the active claim in place, and the caller releases it via
// ReleaseActive/Handoff.
func (s *State) Pause(id string, wm *WaitMetadata) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFoundError(id)
	}
	job.Status = StatusPaused
	job.WaitMetadata = wm
	job.ElapsedMS = time.Now().UnixMilli() - job.ProcessingStartedMS
	delete(s.cancelledJobs, id)
	delete(s.waitRequested, id)
	s.queue = append([]string{id}, removeID(s.queue, id)...)
	s.notifyLocked()
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

// Resume transitions a Paused (or Waiting) job back to Queued,
// preserving its current queue position (P8 idempotence: a no-op when
// already Queued).
func (s *State) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if job.Status == StatusQueued {
		return nil
	}
	if job.Status != StatusPaused && job.Status != StatusWaiting {
		return jobNotSelectableError(id, job.Status)
	}
	job.Status = StatusQueued
	s.notifyLocked()
	s.cond.Signal()
	return nil
}

// ResumeStartupAutoPausedJobs bulk-transitions every job Recover
// flagged as startup-auto-paused back to Queued, preserving each
// job's existing queue position, then clears the set. Returns the
// number of jobs actually resumed (a job already gone or no longer
// Paused/Waiting is skipped rather than counted). A no-op, returning
// 0, when nothing was flagged.
func (s *State) ResumeStartupAutoPausedJobs() int {
	s.mu.Lock()
	if len(s.startupAutoPaused) == 0 {
		s.mu.Unlock()
		return 0
	}
	ids := make([]string, 0, len(s.startupAutoPaused))
	for id := range s.startupAutoPaused {
		ids = append(ids, id)
	}
	s.startupAutoPaused = make(map[string]struct{})

	resumed := 0
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status != StatusPaused && job.Status != StatusWaiting {
			continue
		}
		job.Status = StatusQueued
		resumed++
	}
	if resumed > 0 {
		s.notifyLocked()
	}
	s.mu.Unlock()
	if resumed > 0 {
		s.cond.Broadcast()
	}
	return resumed
}

// Complete marks a job Completed and updates its preset stats.
func (s *State) Complete(id string, outputPath string, outputSizeMB float64, frames int64) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFoundError(id)
	}
	job.Status = StatusCompleted
	job.Progress = 100
	job.OutputPath = outputPath
	job.OutputSizeMB = outputSizeMB
	job.EndTimeMS = time.Now().UnixMilli()
	job.WaitMetadata = nil

	ps := s.presetStatsLocked(job.PresetID)
	ps.UsageCount++
	ps.BytesIn += int64(job.OriginalSizeMB * 1024 * 1024)
	ps.BytesOut += int64(outputSizeMB * 1024 * 1024)
	ps.Frames += frames

	s.notifyLocked()
	s.mu.Unlock()
	s.maybeCompleteBatch(job.BatchID)
	return nil
}

// Fail marks a job Failed with a reason; segment/tmp artifacts are the
// caller's responsibility to retain for inspection.
func (s *State) Fail(id string, reason string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFoundError(id)
	}
	job.Status = StatusFailed
	job.FailureReason = reason
	job.EndTimeMS = time.Now().UnixMilli()
	s.notifyLocked()
	s.mu.Unlock()
	s.maybeCompleteBatch(job.BatchID)
	return nil
}

// Skip marks a job Skipped with a reason (e.g. enqueue-time probe
// rejected it, or the output would not be smaller).
func (s *State) Skip(id string, reason string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFoundError(id)
	}
	job.Status = StatusSkipped
	job.SkipReason = reason
	job.EndTimeMS = time.Now().UnixMilli()
	s.queue = removeID(s.queue, id)
	s.notifyLocked()
	s.mu.Unlock()
	s.maybeCompleteBatch(job.BatchID)
	return nil
}

// Cancel transitions a non-terminal job to Cancelled immediately (used
// for jobs still sitting in the queue; a currently-processing job's
// cancellation flows through RequestCancel + the runner instead).
func (s *State) Cancel(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFoundError(id)
	}
	if job.IsTerminal() {
		s.mu.Unlock()
		return jobNotSelectableError(id, job.Status)
	}
	job.Status = StatusCancelled
	job.EndTimeMS = time.Now().UnixMilli()
	s.queue = removeID(s.queue, id)
	s.notifyLocked()
	s.mu.Unlock()
	s.maybeCompleteBatch(job.BatchID)
	return nil
}

// Reorder replaces the waiting-queue ordering for the given ids, which
// must be exactly the current queue contents (as a set). Rejects
// duplicates (P-invariant: each id appears at most once).
func (s *State) Reorder(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return ErrInvalidReorder
		}
		seen[id] = struct{}{}
	}
	if len(seen) != len(s.queue) {
		return ErrInvalidReorder
	}
	for _, id := range s.queue {
		if _, ok := seen[id]; !ok {
			return ErrInvalidReorder
		}
	}
	s.queue = append([]string(nil), ids...)
	s.notifyLocked()
	return nil
}

// DeleteJob removes a terminal job from the store.
func (s *State) DeleteJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFoundError(id)
	}
	if !job.IsTerminal() {
		s.mu.Unlock()
		return jobNotTerminalError(id, job.Status)
	}
	delete(s.jobs, id)
	s.queue = removeID(s.queue, id)
	batchID := job.BatchID
	s.notifyLocked()
	s.mu.Unlock()
	if batchID != "" {
		s.maybeCompleteBatch(batchID)
	}
	return nil
}

// BulkDelete deletes every listed job, atomically: if any is
// non-terminal the whole call is rejected with no changes made.
func (s *State) BulkDelete(ids []string) error {
	s.mu.Lock()
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			s.mu.Unlock()
			return jobNotFoundError(id)
		}
		if !job.IsTerminal() {
			s.mu.Unlock()
			return jobNotTerminalError(id, job.Status)
		}
	}
	batches := map[string]struct{}{}
	for _, id := range ids {
		batches[s.jobs[id].BatchID] = struct{}{}
		delete(s.jobs, id)
		s.queue = removeID(s.queue, id)
	}
	s.notifyLocked()
	s.mu.Unlock()
	for b := range batches {
		if b != "" {
			s.maybeCompleteBatch(b)
		}
	}
	return nil
}

// QueueEmpty reports whether the waiting queue currently has no job in
// it, independent of concurrency-cap admission.
func (s *State) QueueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// WaitForQueue blocks until the queue is non-empty, shutdown is
// requested, or ctx is cancelled, returning whether there is work to
// claim. sync.Cond has no native cancellation, so a cancelled ctx is
// turned into a spurious Broadcast that every waiter (this one
// included) rechecks its own predicate against.
func (s *State) WaitForQueue(ctx context.Context) (hasWork bool) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.shutdown && ctx.Err() == nil {
		s.cond.Wait()
	}
	return len(s.queue) > 0 && !s.shutdown && ctx.Err() == nil
}

// Shutdown wakes every worker blocked in WaitForQueue so they can exit.
func (s *State) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Stats aggregates per-status job counts.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Paused     int `json:"paused"`
	Waiting    int `json:"waiting"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, j := range s.jobs {
		st.Total++
		switch j.Status {
		case StatusQueued:
			st.Queued++
		case StatusProcessing:
			st.Processing++
		case StatusPaused:
			st.Paused++
		case StatusWaiting:
			st.Waiting++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusSkipped:
			st.Skipped++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// PresetStatsSnapshot returns a copy of the cumulative counters for
// every preset seen so far.
func (s *State) PresetStatsSnapshot() map[string]PresetStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PresetStats, len(s.presetStats))
	for id, ps := range s.presetStats {
		out[id] = *ps
	}
	return out
}

// ActivityToday summarizes completed work since local midnight: files
// finished, bytes moved, and bytes saved by re-encoding. It recomputes
// from the retained job history on every call rather than carrying its
// own running counters, so it stays correct across the midnight
// rollover without a background reset.
type ActivityToday struct {
	FilesCompleted int     `json:"files_completed"`
	FilesFailed    int     `json:"files_failed"`
	BytesIn        int64   `json:"bytes_in"`
	BytesOut       int64   `json:"bytes_out"`
	BytesSaved     int64   `json:"bytes_saved"`
	WallClockMS    int64   `json:"wall_clock_ms"`
	PercentSaved   float64 `json:"percent_saved"`
}

func (s *State) ActivityToday() ActivityToday {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cutoff := midnight.UnixMilli()

	var a ActivityToday
	for _, j := range s.jobs {
		if j.EndTimeMS < cutoff {
			continue
		}
		switch j.Status {
		case StatusCompleted:
			a.FilesCompleted++
			a.BytesIn += int64(j.OriginalSizeMB * 1024 * 1024)
			a.BytesOut += int64(j.OutputSizeMB * 1024 * 1024)
			if j.ProcessingStartedMS > 0 {
				a.WallClockMS += j.EndTimeMS - j.ProcessingStartedMS
			}
		case StatusFailed:
			a.FilesFailed++
		}
	}
	a.BytesSaved = a.BytesIn - a.BytesOut
	if a.BytesIn > 0 {
		a.PercentSaved = float64(a.BytesSaved) / float64(a.BytesIn) * 100
	}
	return a
}

func removeID(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
