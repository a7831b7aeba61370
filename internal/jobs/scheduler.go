package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunOutcome reports how a job run ended, so the scheduler knows which
// terminal (or non-terminal, for pause) state transition to apply.
type RunOutcome struct {
	Kind         RunOutcomeKind
	OutputPath   string
	OutputSizeMB float64
	Frames       int64
	Reason       string
	WaitMetadata *WaitMetadata
}

// RunOutcomeKind distinguishes how a run ended.
type RunOutcomeKind int

const (
	OutcomeCompleted RunOutcomeKind = iota
	OutcomeFailed
	OutcomeSkipped
	OutcomeCancelled
	OutcomePaused
)

// RunFunc executes one job end-to-end (C4's responsibility) and
// blocks until it completes, fails, is cancelled, or is asked to pause
// via ctx/the state's per-job wait/cancel requests.
type RunFunc func(ctx context.Context, job *Job) RunOutcome

// ScheduleWindow restricts processing to a daily hour range, mirroring
// a maintenance-window style deployment constraint.
type ScheduleWindow struct {
	Enabled   bool
	StartHour int
	EndHour   int
}

func (w ScheduleWindow) allows(now time.Time) bool {
	if !w.Enabled {
		return true
	}
	hour := now.Hour()
	if w.StartHour > w.EndHour {
		return hour >= w.StartHour || hour < w.EndHour
	}
	return hour >= w.StartHour && hour < w.EndHour
}

// worker is one goroutine repeatedly claiming and running jobs.
type worker struct {
	id   int
	pool *WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	currentJob *Job
	jobCancel  context.CancelFunc
	jobDone    chan struct{}
}

// WorkerPool is the C3 scheduler: a resizable set of worker goroutines
// claiming jobs from a State under split or unified concurrency caps.
type WorkerPool struct {
	mu      sync.Mutex
	state   *State
	classify ClassifyFunc
	run     RunFunc
	caps    ConcurrencyCaps
	window  ScheduleWindow

	workers      []*worker
	nextWorkerID int

	ctx    context.Context
	cancel context.CancelFunc

	pausedMu sync.RWMutex
	paused   bool
}

// NewWorkerPool constructs a pool with workerCount goroutines.
func NewWorkerPool(state *State, caps ConcurrencyCaps, window ScheduleWindow, classify ClassifyFunc, run RunFunc, workerCount int) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		state:    state,
		classify: classify,
		run:      run,
		caps:     caps,
		window:   window,
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < ClampWorkerCount(workerCount); i++ {
		p.workers = append(p.workers, p.createWorker())
	}
	return p
}

func (p *WorkerPool) createWorker() *worker {
	w := &worker{id: p.nextWorkerID, pool: p}
	p.nextWorkerID++
	return w
}

// Start launches every worker's processing loop.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.start(p.ctx)
	}
}

// Stop cancels every worker and waits for them to exit.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}

// WorkerCount returns the current number of worker goroutines.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsPaused reports whether job processing is currently paused.
func (p *WorkerPool) IsPaused() bool {
	p.pausedMu.RLock()
	defer p.pausedMu.RUnlock()
	return p.paused
}

func (p *WorkerPool) capsSnapshot() ConcurrencyCaps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// SetCaps updates the admission policy used by subsequent claims.
func (p *WorkerPool) SetCaps(caps ConcurrencyCaps) {
	p.mu.Lock()
	p.caps = caps
	p.mu.Unlock()
}

// SetWindow updates the scheduling window used by subsequent claims.
func (p *WorkerPool) SetWindow(w ScheduleWindow) {
	p.mu.Lock()
	p.window = w
	p.mu.Unlock()
}

type runningJob struct {
	worker *worker
	jobID  string
}

func (p *WorkerPool) collectRunning() []runningJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []runningJob
	for _, w := range p.workers {
		w.mu.Lock()
		if w.currentJob != nil {
			out = append(out, runningJob{worker: w, jobID: w.currentJob.ID})
		}
		w.mu.Unlock()
	}
	return out
}

// Resize changes the worker goroutine count. Growing starts new
// workers immediately. Shrinking cancels the most-recently-claimed
// running jobs first (job ids are decimal counters assigned in
// creation order and compared numerically, so a descending sort picks
// newest-first), requeues each at
// the front of the waiting queue before its worker is removed, and
// only then trims any still-idle workers from the end of the slice.
func (p *WorkerPool) Resize(n int) {
	n = ClampWorkerCount(n)

	p.mu.Lock()
	current := len(p.workers)

	if n > current {
		for i := current; i < n; i++ {
			w := p.createWorker()
			w.start(p.ctx)
			p.workers = append(p.workers, w)
		}
		p.mu.Unlock()
		return
	}
	if n == current {
		p.mu.Unlock()
		return
	}
	toStop := current - n
	p.mu.Unlock()

	running := p.collectRunning()
	sort.Slice(running, func(i, j int) bool {
		a, b := running[i].jobID, running[j].jobID
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a > b
	})

	cancelled := 0
	for _, rj := range running {
		if cancelled >= toStop {
			break
		}
		rj.worker.cancelAndStop()
		p.state.Requeue(rj.jobID)
		p.state.ReleaseActive(rj.jobID)
		p.removeWorker(rj.worker)
		cancelled++
	}

	p.mu.Lock()
	for len(p.workers) > n {
		w := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		p.mu.Unlock()
		w.cancelAndStop()
		p.mu.Lock()
	}
	p.mu.Unlock()
}

func (p *WorkerPool) removeWorker(target *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		if w == target {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

// Pause stops every currently-running job and prevents new claims
// until Unpause, returning the number of jobs requeued. Running
// jobs are collected, sorted oldest-first by id, then requeued in
// reverse (newest first): Requeue always inserts at the front, so
// requeuing newest→...→oldest leaves the oldest job at the very front
// of the queue, preserving the FIFO order the jobs had before pause.
func (p *WorkerPool) Pause() int {
	p.pausedMu.Lock()
	p.paused = true
	p.pausedMu.Unlock()

	running := p.collectRunning()
	sort.Slice(running, func(i, j int) bool {
		a, b := running[i].jobID, running[j].jobID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})

	count := 0
	for i := len(running) - 1; i >= 0; i-- {
		rj := running[i]
		p.state.Requeue(rj.jobID)
		done := rj.worker.requestPauseAndWait(rj.jobID)
		if done {
			count++
		}
		p.state.ReleaseActive(rj.jobID)
	}
	return count
}

// Unpause allows workers to resume claiming jobs.
func (p *WorkerPool) Unpause() {
	p.pausedMu.Lock()
	p.paused = false
	p.pausedMu.Unlock()
}

// CancelJob cancels jobID if it is currently being run by some worker,
// returning whether a running job was found.
func (p *WorkerPool) CancelJob(jobID string) bool {
	for _, rj := range p.collectRunning() {
		if rj.jobID == jobID {
			rj.worker.cancelJobAndWait(jobID)
			return true
		}
	}
	return false
}

func (w *worker) start(parentCtx context.Context) {
	w.ctx, w.cancel = context.WithCancel(parentCtx)
	w.wg.Add(1)
	go w.loop()
}

func (w *worker) stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *worker) cancelAndStop() {
	w.mu.Lock()
	if w.currentJob != nil {
		w.pool.state.RequestCancel(w.currentJob.ID)
	}
	w.mu.Unlock()
	w.stop()
}

// requestPauseAndWait asks the currently running job (if it still
// matches jobID) to pause at its next checkpoint and blocks until the
// run returns.
func (w *worker) requestPauseAndWait(jobID string) bool {
	w.mu.Lock()
	if w.currentJob == nil || w.currentJob.ID != jobID {
		w.mu.Unlock()
		return false
	}
	w.pool.state.RequestWait(jobID)
	done := w.jobDone
	w.mu.Unlock()
	if done != nil {
		<-done
	}
	return true
}

func (w *worker) cancelJobAndWait(jobID string) {
	w.mu.Lock()
	if w.currentJob == nil || w.currentJob.ID != jobID {
		w.mu.Unlock()
		return
	}
	w.pool.state.RequestCancel(jobID)
	if w.jobCancel != nil {
		w.jobCancel()
	}
	done := w.jobDone
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *worker) setCurrent(job *Job, cancel context.CancelFunc) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentJob = job
	w.jobCancel = cancel
	w.jobDone = make(chan struct{})
	return w.jobDone
}

func (w *worker) clearCurrent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	done := w.jobDone
	w.currentJob = nil
	w.jobCancel = nil
	w.jobDone = nil
	if done != nil {
		close(done)
	}
}

// loop is the worker's main claim/run cycle.
func (w *worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if w.pool.IsPaused() {
			if !sleepOrDone(w.ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		p := w.pool
		p.mu.Lock()
		window := p.window
		caps := p.caps
		p.mu.Unlock()
		if !window.allows(time.Now()) {
			if !sleepOrDone(w.ctx, 30*time.Second) {
				return
			}
			continue
		}

		job := w.pool.state.ClaimNext(caps, w.pool.classify)
		if job == nil {
			if w.pool.state.QueueEmpty() {
				// Nothing waiting at all: block on the condition
				// variable so Enqueue's Signal/Broadcast wakes this
				// worker the instant work appears, instead of
				// rediscovering it up to 500ms late.
				if !w.pool.state.WaitForQueue(w.ctx) {
					return
				}
			} else {
				// The queue has work but every concurrency-class cap
				// is full; nothing signals a cap freeing up (that
				// happens inside ReleaseActive, called from many
				// unrelated transitions), so poll for it.
				if !sleepOrDone(w.ctx, 500*time.Millisecond) {
					return
				}
			}
			continue
		}

		jobCtx, jobCancel := context.WithCancel(w.ctx)
		w.setCurrent(job, jobCancel)
		outcome := w.pool.run(jobCtx, job)
		jobCancel()
		w.finalize(job.ID, outcome)
		w.clearCurrent()
	}
}

func (w *worker) finalize(jobID string, outcome RunOutcome) {
	s := w.pool.state
	switch outcome.Kind {
	case OutcomeCompleted:
		s.Complete(jobID, outcome.OutputPath, outcome.OutputSizeMB, outcome.Frames)
		s.ReleaseActive(jobID)
		s.foldPresetWallClock(jobID)
	case OutcomeFailed:
		s.Fail(jobID, outcome.Reason)
		s.ReleaseActive(jobID)
		s.foldPresetWallClock(jobID)
	case OutcomeSkipped:
		s.Skip(jobID, outcome.Reason)
		s.ReleaseActive(jobID)
		s.foldPresetWallClock(jobID)
	case OutcomeCancelled:
		s.Cancel(jobID)
		s.ReleaseActive(jobID)
		s.foldPresetWallClock(jobID)
	case OutcomePaused:
		s.Pause(jobID, outcome.WaitMetadata)
		s.ReleaseActive(jobID)
		s.foldPresetWallClock(jobID)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
