package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shrinklab/ffengine/internal/ffmpeg"
)

// envelopeVersion is the current persisted sidecar shape. Older
// shapes are still readable; see decodeEnvelope.
const envelopeVersion = 1

// envelope is the on-disk shape written by Persistence.
type envelope struct {
	Version       int                    `json:"version"`
	Epoch         uint64                 `json:"epoch"`
	ShutdownClean bool                   `json:"shutdown_clean"`
	NextJobID     int64                  `json:"next_job_id"`
	Jobs          []*Job                 `json:"jobs"`
	Batches       []*Batch               `json:"batches,omitempty"`
	PresetStats   map[string]PresetStats `json:"preset_stats,omitempty"`
	SavedAt       time.Time              `json:"saved_at"`
}

// liteEnvelopeV0 is an older intermediate shape: a bare jobs array with
// no wrapper metadata at all, written before batches/preset stats
// existed in the sidecar.
type liteEnvelopeV0 struct {
	Jobs []*Job `json:"jobs"`
}

// decodeEnvelope permissively parses any of the three historical
// sidecar shapes this engine (or its ancestor) has ever written:
//  1. the current versioned envelope (has a top-level "version" field)
//  2. an unversioned object with a bare "jobs" array (liteEnvelopeV0)
//  3. the oldest shape, a raw JSON array of jobs with no wrapper at all
func decodeEnvelope(data []byte) (*envelope, error) {
	var versioned envelope
	if err := json.Unmarshal(data, &versioned); err == nil && versioned.Version > 0 {
		return &versioned, nil
	}

	var lite liteEnvelopeV0
	if err := json.Unmarshal(data, &lite); err == nil && lite.Jobs != nil {
		return &envelope{Version: 0, Jobs: lite.Jobs}, nil
	}

	var bare []*Job
	if err := json.Unmarshal(data, &bare); err == nil {
		return &envelope{Version: 0, Jobs: bare}, nil
	}

	return nil, fmt.Errorf("unrecognized persistence sidecar shape")
}

// Persistence is the C6 single-writer, epoch-coalesced sidecar store.
// Save() never blocks on disk I/O: it records the latest snapshot and
// wakes a background goroutine, which writes only the newest snapshot
// it sees and silently drops any snapshot superseded before it got a
// chance to run. Writes are atomic (temp file + rename).
type Persistence struct {
	path string

	mu          sync.Mutex
	pending     *envelope
	nextEpoch   uint64
	lastWritten uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewPersistence constructs a writer for the sidecar file at path.
func NewPersistence(path string) *Persistence {
	return &Persistence{
		path: path,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the background writer goroutine.
func (p *Persistence) Start() {
	go p.run()
}

// Stop flushes any pending snapshot with shutdown_clean=true and waits for the writer goroutine to exit.
func (p *Persistence) Stop() {
	close(p.stop)
	<-p.done
}

// Save records a new snapshot to be written, superseding any snapshot
// not yet flushed. Never blocks.
func (p *Persistence) Save(env envelope) {
	p.mu.Lock()
	p.nextEpoch++
	env.Epoch = p.nextEpoch
	env.Version = envelopeVersion
	env.SavedAt = time.Now()
	p.pending = &env
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persistence) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.flush(false)
		case <-p.stop:
			p.flush(true)
			return
		}
	}
}

func (p *Persistence) flush(final bool) {
	p.mu.Lock()
	env := p.pending
	p.mu.Unlock()
	if env == nil || (env.Epoch <= p.lastWritten && !final) {
		return
	}
	if final {
		env.ShutdownClean = true
	}
	if err := writeJSONAtomic(p.path, env); err != nil {
		return
	}
	p.lastWritten = env.Epoch
}

// writeJSONAtomic marshals v and writes it to path via a temp file in
// the same directory, fsync'd and renamed over the target — the
// single atomic-write pattern every sidecar in this package uses
// (queue envelope, shutdown marker).
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sidecar-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Snapshot builds a persistable envelope from the current state.
func (s *State) Snapshot() envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Copy())
	}
	batches := make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		batches = append(batches, b.Copy())
	}
	stats := make(map[string]PresetStats, len(s.presetStats))
	for id, ps := range s.presetStats {
		stats[id] = *ps
	}
	return envelope{
		NextJobID:   s.nextJobID,
		Jobs:        jobs,
		Batches:     batches,
		PresetStats: stats,
	}
}

// RecoveryResult reports what the startup recovery pipeline decided to
// do with each previously in-flight job, for logging purposes.
type RecoveryResult struct {
	Restored          int
	Resumed           int
	Reset             int
	Clean             bool
	Session           SessionKind
	StartupAutoPaused int
}

// Recover implements the startup recovery pipeline:
//  1. classify the previous session from its shutdown marker
//  2. read and permissively decode the sidecar, tolerating its absence
//     (first run) and any of the three historical shapes
//  3. terminal jobs are restored as-is, out of the waiting queue
//  4. non-terminal jobs are requeued at the front, in their original
//     relative order, so work resumes before any newly enqueued job
//  5. a single directory scan recovers stray segments left by a job
//     that was Processing when the process died uncleanly
//  6. a job with recovered segments is Paused at its last complete
//     segment; a Processing job with no segments is Paused at zero —
//     either way the user observes it paused and can resume it
//  7. a job that was already Paused or Waiting keeps its wait metadata
//     verbatim — no segment rediscovery needed, it already has one
//  8. every job Paused because of this restore (Processing at crash
//     time) unless the previous session ended in a normal restart,
//     every already-Paused job the previous session explicitly
//     listed in its clean-auto-wait marker, and every Waiting job when
//     the previous session was clean-auto-wait, is flagged startup-auto-
//     paused — resumable in one call via State.ResumeStartupAutoPausedJobs
//  9. batches are restored with their child linkage intact
//  10. preset stats are restored verbatim (wall-clock union state does
//     not survive a restart: no job is "active" until re-claimed)
//  11. next_job_id is raised above every id seen, preserving invariant 5
//
// ffprobePath, if non-empty, is used to sum the recovered segments'
// actual durations into ProcessedSeconds (step 6): segments are probed
// concurrently, bounded to avoid spawning one ffprobe per segment at
// once on a large recovery. An empty ffprobePath (or a probe failure)
// falls back to resuming from zero progress within the recovered
// segment set — the segments themselves are still kept and will be
// concatenated, only the mid-run resume offset is lost.
func Recover(sidecarPath, tempDir, ffprobePath string, marker *ShutdownMarker) (*State, RecoveryResult, error) {
	s := NewState()
	session := classifySession(marker)

	data, err := os.ReadFile(sidecarPath)
	if os.IsNotExist(err) {
		return s, RecoveryResult{Clean: true, Session: session}, nil
	}
	if err != nil {
		return s, RecoveryResult{}, err
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return s, RecoveryResult{}, err
	}

	segmentsByJob, err := DiscoverSegments(tempDir)
	if err != nil {
		segmentsByJob = map[string][]ParsedSegment{}
	}

	autoWaitIDs := make(map[string]struct{})
	if marker != nil {
		for _, id := range marker.AutoWaitProcessingJobIDs {
			autoWaitIDs[id] = struct{}{}
		}
	}

	var result RecoveryResult
	result.Clean = env.ShutdownClean
	result.Session = session

	autoPause := func(id string) {
		s.startupAutoPaused[id] = struct{}{}
		result.StartupAutoPaused++
	}

	queueOrder := make([]string, 0, len(env.Jobs))
	maxID := env.NextJobID
	for _, j := range env.Jobs {
		s.jobs[j.ID] = j
		result.Restored++
		if n, err := strconv.ParseInt(j.ID, 10, 64); err == nil && n > maxID {
			maxID = n
		}

		if j.Status.IsTerminal() {
			continue
		}

		switch j.Status {
		case StatusPaused:
			// Already has wait metadata verbatim; no rebuild needed.
			// Only auto-paused if the previous session explicitly
			// listed it as paused-for-exit.
			if _, listed := autoWaitIDs[j.ID]; listed {
				autoPause(j.ID)
			}
			queueOrder = append(queueOrder, j.ID)
			result.Resumed++
		case StatusWaiting:
			if session == SessionPauseOnExit {
				autoPause(j.ID)
			}
			queueOrder = append(queueOrder, j.ID)
			result.Resumed++
		case StatusProcessing:
			if segs, ok := segmentsByJob[j.ID]; ok && len(segs) > 0 {
				paths := make([]string, 0, len(segs))
				for _, seg := range segs {
					paths = append(paths, seg.Path)
				}
				processed := sumSegmentDurations(ffprobePath, paths)
				j.WaitMetadata = &WaitMetadata{
					Segments:                   paths,
					LastProgressPercent:        j.Progress,
					ProcessedSeconds:           processed,
					LastProgressOutTimeSeconds: processed,
				}
				result.Resumed++
			} else {
				j.Progress = 0
				j.WaitMetadata = nil
				result.Reset++
			}
			j.Status = StatusPaused
			if session != SessionNormalRestart {
				autoPause(j.ID)
			}
			queueOrder = append(queueOrder, j.ID)
		default: // Queued
			queueOrder = append(queueOrder, j.ID)
		}
	}
	s.queue = queueOrder

	for _, b := range env.Batches {
		s.batches[b.ID] = b
	}
	for id, stat := range env.PresetStats {
		v := stat
		s.presetStats[id] = &v
	}
	s.RaiseNextJobID(maxID)

	return s, result, nil
}

// maxRecoveryProbes bounds how many ffprobe processes a single
// recovery pass spawns at once, across all jobs being recovered.
const maxRecoveryProbes = 4

// sumSegmentDurations probes every recovered segment and returns the
// total duration, i.e. how far into the source the job had already
// encoded before the crash. Segments are probed concurrently (bounded
// by maxRecoveryProbes) since a job can have accumulated many short
// segments across repeated pause/resume cycles. Returns 0 if
// ffprobePath is empty or every probe fails.
func sumSegmentDurations(ffprobePath string, paths []string) float64 {
	if ffprobePath == "" || len(paths) == 0 {
		return 0
	}
	prober := ffmpeg.NewProber(ffprobePath)
	durations := make([]float64, len(paths))

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(maxRecoveryProbes)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			probe, err := prober.Probe(ctx, path)
			if err != nil {
				return nil
			}
			durations[i] = probe.Duration.Seconds()
			return nil
		})
	}
	g.Wait()

	var total float64
	for _, d := range durations {
		total += d
	}
	return total
}
