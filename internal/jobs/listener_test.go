package jobs_test

import (
	"testing"

	"github.com/shrinklab/ffengine/internal/jobs"
)

func TestSubscribeDeltaReportsAddedThenUpdated(t *testing.T) {
	s := jobs.NewState()

	var deltas []jobs.Delta
	unsubscribe := s.SubscribeDelta(func(d jobs.Delta) { deltas = append(deltas, d) })
	defer unsubscribe()

	job := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	if len(deltas) != 1 || len(deltas[0].Added) != 1 || deltas[0].Added[0].ID != job.ID {
		t.Fatalf("expected one delta with the new job added, got %+v", deltas)
	}

	s.ClaimNext(jobs.ConcurrencyCaps{Unified: 1}, classifyCPU)
	if len(deltas) != 2 || len(deltas[1].Updated) != 1 {
		t.Fatalf("expected a second delta reporting an update, got %+v", deltas)
	}
}

func TestSubscribeDeltaReportsRemoved(t *testing.T) {
	s := jobs.NewState()
	job := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	s.Cancel(job.ID)

	var deltas []jobs.Delta
	unsubscribe := s.SubscribeDelta(func(d jobs.Delta) { deltas = append(deltas, d) })
	defer unsubscribe()

	if err := s.DeleteJob(job.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(deltas) != 1 || len(deltas[0].Removed) != 1 || deltas[0].Removed[0] != job.ID {
		t.Fatalf("expected one delta reporting the job removed, got %+v", deltas)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := jobs.NewState()
	calls := 0
	unsubscribe := s.SubscribeFull(func(jobs.FullSnapshot) { calls++ })

	s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	unsubscribe()
	s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/b.mkv", PresetID: "1080p"})

	if calls != 1 {
		t.Fatalf("expected exactly 1 call before unsubscribe, got %d", calls)
	}
}

func TestSubscribeLiteReceivesQueueOrder(t *testing.T) {
	s := jobs.NewState()
	var last jobs.LiteSnapshot
	s.SubscribeLite(func(l jobs.LiteSnapshot) { last = l })

	s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/b.mkv", PresetID: "1080p"})

	if len(last.Jobs) != 2 {
		t.Fatalf("expected lite snapshot with 2 jobs, got %+v", last)
	}
	if last.Jobs[0].QueueOrder != 0 || last.Jobs[1].QueueOrder != 1 {
		t.Fatalf("expected queue order 0, 1, got %+v", last.Jobs)
	}
}
