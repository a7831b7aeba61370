package jobs

import "time"

// CreateBatch registers a new batch in Scanning status and returns it.
// The caller (the filesystem scanner) fills in FilesScanned/Candidates
// as it walks the tree, then calls AddBatchChildren once it starts
// enqueuing jobs.
func (s *State) CreateBatch(id, rootPath string, replaceOriginal bool) *Batch {
	s.mu.Lock()
	b := &Batch{
		ID:              id,
		RootPath:        rootPath,
		ReplaceOriginal: replaceOriginal,
		Status:          BatchScanning,
		StartedAt:       time.Now(),
	}
	s.batches[id] = b
	cp := b.Copy()
	s.mu.Unlock()
	s.listeners.notifyBatch(cp)
	return cp
}

// GetBatch returns a copy of the batch, or nil if unknown.
func (s *State) GetBatch(id string) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil
	}
	return b.Copy()
}

// UpdateScanProgress records scan counters while the directory walk is
// in flight, broadcasting every K files per the caller's own cadence
// (the scanner decides K; this call is cheap enough to call per-file
// but batched scanners should throttle it; the batch scanner uses every
// 32 files, scanProgressEvery).
func (s *State) UpdateScanProgress(batchID string, filesScanned, candidates int) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	b.FilesScanned = filesScanned
	b.Candidates = candidates
	cp := b.Copy()
	s.mu.Unlock()
	s.listeners.notifyBatch(cp)
}

// AddBatchChildren appends child job ids to a batch and transitions it
// to Running once the scan has produced at least one job.
func (s *State) AddBatchChildren(batchID string, jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	b.ChildJobIDs = append(b.ChildJobIDs, jobIDs...)
	b.Status = BatchRunning
	for _, id := range jobIDs {
		if job, ok := s.jobs[id]; ok {
			job.BatchID = batchID
		}
	}
	cp := b.Copy()
	s.mu.Unlock()
	s.listeners.notifyBatch(cp)
}

// FinishScan marks that no more children will be added. If every
// already-added child has already reached a terminal status the batch
// completes immediately; otherwise completion is picked up by
// maybeCompleteBatch as children finish.
func (s *State) FinishScan(batchID string) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if b.Status == BatchScanning {
		b.Status = BatchRunning
	}
	s.mu.Unlock()
	s.maybeCompleteBatch(batchID)
}

// maybeCompleteBatch checks whether every child of batchID has reached
// a terminal status and, if so, marks the batch Completed (or Failed
// if every child failed) and broadcasts. Safe
// to call opportunistically after any child transition; a no-op when
// the batch is still scanning or has non-terminal children.
func (s *State) maybeCompleteBatch(batchID string) {
	if batchID == "" {
		return
	}
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok || b.Status == BatchScanning || b.Status.terminal() {
		s.mu.Unlock()
		return
	}
	processed := 0
	allFailed := len(b.ChildJobIDs) > 0
	for _, id := range b.ChildJobIDs {
		job, ok := s.jobs[id]
		if !ok || !job.IsTerminal() {
			s.mu.Unlock()
			return
		}
		processed++
		if job.Status != StatusFailed {
			allFailed = false
		}
	}
	b.Processed = processed
	if allFailed {
		b.Status = BatchFailed
	} else {
		b.Status = BatchComplete
	}
	b.CompletedAt = time.Now()
	cp := b.Copy()
	s.mu.Unlock()
	s.listeners.notifyBatch(cp)
}

func (bs BatchStatus) terminal() bool {
	return bs == BatchComplete || bs == BatchFailed
}

// DeleteBatch removes a batch and every one of its child jobs, but
// only if every child has already reached a terminal status (or there
// are none left, e.g. after an earlier BulkDelete). Rejects the whole
// call otherwise, matching BulkDelete's all-or-nothing behavior.
func (s *State) DeleteBatch(batchID string) error {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return batchNotFoundError(batchID)
	}
	for _, id := range b.ChildJobIDs {
		if job, ok := s.jobs[id]; ok && !job.IsTerminal() {
			s.mu.Unlock()
			return batchHasActiveChildrenError(batchID)
		}
	}
	for _, id := range b.ChildJobIDs {
		delete(s.jobs, id)
		s.queue = removeID(s.queue, id)
	}
	delete(s.batches, batchID)
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}
