package jobs

import "sync"

// FullSnapshot is every job, uncut, with the revision it was built at.
type FullSnapshot struct {
	Revision uint64 `json:"revision"`
	Jobs     []*Job `json:"jobs"`
}

// LiteSnapshot is the UI-facing projection of every job.
type LiteSnapshot struct {
	Revision uint64   `json:"revision"`
	Jobs     []UILite `json:"jobs"`
}

// Delta describes what changed between two lite snapshots so listeners
// can patch their local view instead of re-rendering everything.
type Delta struct {
	Revision uint64   `json:"revision"`
	Added    []UILite `json:"added,omitempty"`
	Updated  []UILite `json:"updated,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// listenerRegistry is the C7 subscriber table: four independent
// vectors of closures, one per broadcast kind. Subscribing returns an
// unsubscribe func so callers (SSE handlers, in-process watchers) can
// clean up on disconnect without the registry needing to know about
// connection lifecycles.
type listenerRegistry struct {
	mu    sync.Mutex
	full  map[int]func(FullSnapshot)
	lite  map[int]func(LiteSnapshot)
	delta map[int]func(Delta)
	batch map[int]func(*Batch)
	next  int
}

func (r *listenerRegistry) init() {
	if r.full == nil {
		r.full = make(map[int]func(FullSnapshot))
		r.lite = make(map[int]func(LiteSnapshot))
		r.delta = make(map[int]func(Delta))
		r.batch = make(map[int]func(*Batch))
	}
}

func (r *listenerRegistry) SubscribeFull(fn func(FullSnapshot)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	id := r.next
	r.next++
	r.full[id] = fn
	return func() { r.mu.Lock(); delete(r.full, id); r.mu.Unlock() }
}

func (r *listenerRegistry) SubscribeLite(fn func(LiteSnapshot)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	id := r.next
	r.next++
	r.lite[id] = fn
	return func() { r.mu.Lock(); delete(r.lite, id); r.mu.Unlock() }
}

func (r *listenerRegistry) SubscribeDelta(fn func(Delta)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	id := r.next
	r.next++
	r.delta[id] = fn
	return func() { r.mu.Lock(); delete(r.delta, id); r.mu.Unlock() }
}

func (r *listenerRegistry) SubscribeBatch(fn func(*Batch)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	id := r.next
	r.next++
	r.batch[id] = fn
	return func() { r.mu.Lock(); delete(r.batch, id); r.mu.Unlock() }
}

func (r *listenerRegistry) notifyFull(s FullSnapshot) {
	r.mu.Lock()
	fns := make([]func(FullSnapshot), 0, len(r.full))
	for _, fn := range r.full {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *listenerRegistry) notifyLite(s LiteSnapshot) {
	r.mu.Lock()
	fns := make([]func(LiteSnapshot), 0, len(r.lite))
	for _, fn := range r.lite {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *listenerRegistry) notifyDelta(d Delta) {
	r.mu.Lock()
	fns := make([]func(Delta), 0, len(r.delta))
	for _, fn := range r.delta {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

func (r *listenerRegistry) notifyBatch(b *Batch) {
	r.mu.Lock()
	fns := make([]func(*Batch), 0, len(r.batch))
	for _, fn := range r.batch {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(b.Copy())
	}
}

// SubscribeFull/Lite/Delta/Batch expose the registry on State itself so
// callers never reach into the unexported field directly.
func (s *State) SubscribeFull(fn func(FullSnapshot)) func()  { return s.listeners.SubscribeFull(fn) }
func (s *State) SubscribeLite(fn func(LiteSnapshot)) func()  { return s.listeners.SubscribeLite(fn) }
func (s *State) SubscribeDelta(fn func(Delta)) func()        { return s.listeners.SubscribeDelta(fn) }
func (s *State) SubscribeBatch(fn func(*Batch)) func()       { return s.listeners.SubscribeBatch(fn) }

// repairInvariantsLocked drops any queue entry whose job no longer
// exists or has gone terminal/active through a path that forgot to
// pull it out of queue[], and drops any active-set entry whose job
// vanished. Defensive: normal transitions keep these in sync
// themselves, but a single repair pass here means a missed edge case
// degrades to a self-healing inconsistency instead of a stuck job.
func (s *State) repairInvariantsLocked() {
	filtered := s.queue[:0:0]
	for _, id := range s.queue {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.IsTerminal() {
			continue
		}
		if _, active := s.activeJobs[id]; active {
			continue
		}
		filtered = append(filtered, id)
	}
	s.queue = filtered

	for id := range s.activeJobs {
		if _, ok := s.jobs[id]; !ok {
			delete(s.activeJobs, id)
		}
	}
	for path := range s.activeInputs {
		stillActive := false
		for id := range s.activeJobs {
			if s.jobs[id] != nil && s.jobs[id].InputPath == path {
				stillActive = true
				break
			}
		}
		if !stillActive {
			delete(s.activeInputs, path)
		}
	}
}

// notifyLocked is the single broadcast path: repair
// invariants, bump the revision, build the lite snapshot and diff it
// against the last one broadcast, then fan out to every listener kind.
// Must be called with s.mu held; it does not unlock.
func (s *State) notifyLocked() {
	s.repairInvariantsLocked()
	s.snapshotRevision++
	rev := s.snapshotRevision

	ids := s.orderedIDsLocked()
	liteJobs := make([]UILite, 0, len(ids))
	liteByID := make(map[string]UILite, len(ids))
	for i, id := range ids {
		lite := s.jobs[id].UILite(i)
		liteJobs = append(liteJobs, lite)
		liteByID[id] = lite
	}

	var added, updated []UILite
	for id, lite := range liteByID {
		prev, existed := s.lastLite[id]
		if !existed {
			added = append(added, lite)
		} else if prev != lite {
			updated = append(updated, lite)
		}
	}
	var removed []string
	for id := range s.lastLite {
		if _, ok := liteByID[id]; !ok {
			removed = append(removed, id)
		}
	}
	s.lastLite = liteByID

	if len(s.listeners.full) > 0 {
		fullJobs := make([]*Job, 0, len(ids))
		for _, id := range ids {
			fullJobs = append(fullJobs, s.jobs[id].Copy())
		}
		s.listeners.notifyFull(FullSnapshot{Revision: rev, Jobs: fullJobs})
	}
	if len(s.listeners.lite) > 0 {
		s.listeners.notifyLite(LiteSnapshot{Revision: rev, Jobs: liteJobs})
	}
	if len(added) > 0 || len(updated) > 0 || len(removed) > 0 {
		s.listeners.notifyDelta(Delta{Revision: rev, Added: added, Updated: updated, Removed: removed})
	}
}
