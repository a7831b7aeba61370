package jobs_test

import (
	"testing"

	"github.com/shrinklab/ffengine/internal/jobs"
)

func TestBatchCompletesWhenAllChildrenSucceed(t *testing.T) {
	s := jobs.NewState()
	b := s.CreateBatch("batch-1", "/media/movies", true)
	if b.Status != jobs.BatchScanning {
		t.Fatalf("expected new batch to start scanning, got %s", b.Status)
	}

	a := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	c := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/c.mkv", PresetID: "1080p"})
	s.AddBatchChildren(b.ID, []string{a.ID, c.ID})

	got := s.GetBatch(b.ID)
	if got.Status != jobs.BatchRunning {
		t.Fatalf("expected batch running once children are added, got %s", got.Status)
	}

	s.FinishScan(b.ID)
	got = s.GetBatch(b.ID)
	if got.Status == jobs.BatchComplete {
		t.Fatal("expected batch to remain open while children are non-terminal")
	}

	s.ClaimNext(jobs.ConcurrencyCaps{Unified: 2}, classifyCPU)
	s.ClaimNext(jobs.ConcurrencyCaps{Unified: 2}, classifyCPU)
	s.Complete(a.ID, "/media/a.out.mkv", 100, 10)
	s.Complete(c.ID, "/media/c.out.mkv", 100, 10)

	got = s.GetBatch(b.ID)
	if got.Status != jobs.BatchComplete {
		t.Fatalf("expected batch completed once every child finishes, got %s", got.Status)
	}
	if got.Processed != 2 {
		t.Fatalf("expected processed count 2, got %d", got.Processed)
	}
}

func TestBatchFailsWhenEveryChildFails(t *testing.T) {
	s := jobs.NewState()
	b := s.CreateBatch("batch-2", "/media/movies", false)

	a := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	s.AddBatchChildren(b.ID, []string{a.ID})
	s.FinishScan(b.ID)

	s.ClaimNext(jobs.ConcurrencyCaps{Unified: 1}, classifyCPU)
	s.Fail(a.ID, "encoder crashed")

	got := s.GetBatch(b.ID)
	if got.Status != jobs.BatchFailed {
		t.Fatalf("expected batch failed when its only child fails, got %s", got.Status)
	}
}

func TestDeleteBatchRejectsNonTerminalChildren(t *testing.T) {
	s := jobs.NewState()
	b := s.CreateBatch("batch-4", "/media/movies", false)

	a := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	s.AddBatchChildren(b.ID, []string{a.ID})
	s.FinishScan(b.ID)

	if err := s.DeleteBatch(b.ID); err == nil {
		t.Fatal("expected an error deleting a batch with a non-terminal child")
	}
	if s.GetBatch(b.ID) == nil {
		t.Fatal("expected the batch to survive a rejected delete")
	}
}

func TestDeleteBatchRemovesBatchAndTerminalChildren(t *testing.T) {
	s := jobs.NewState()
	b := s.CreateBatch("batch-5", "/media/movies", false)

	a := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	s.AddBatchChildren(b.ID, []string{a.ID})
	s.FinishScan(b.ID)

	s.ClaimNext(jobs.ConcurrencyCaps{Unified: 1}, classifyCPU)
	s.Complete(a.ID, "/media/a.out.mkv", 100, 10)

	if err := s.DeleteBatch(b.ID); err != nil {
		t.Fatalf("expected delete to succeed once children are terminal, got %v", err)
	}
	if s.GetBatch(b.ID) != nil {
		t.Fatal("expected the batch to be gone")
	}
	if s.Get(a.ID) != nil {
		t.Fatal("expected the child job to be gone along with its batch")
	}
}

func TestDeleteBatchOnUnknownID(t *testing.T) {
	s := jobs.NewState()
	if err := s.DeleteBatch("no-such-batch"); err == nil {
		t.Fatal("expected an error for an unknown batch id")
	}
}

func TestBatchMixedOutcomeCompletesNotFails(t *testing.T) {
	s := jobs.NewState()
	b := s.CreateBatch("batch-3", "/media/movies", false)

	a := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/a.mkv", PresetID: "1080p"})
	c := s.Enqueue(jobs.EnqueueSpec{InputPath: "/media/c.mkv", PresetID: "1080p"})
	s.AddBatchChildren(b.ID, []string{a.ID, c.ID})
	s.FinishScan(b.ID)

	s.ClaimNext(jobs.ConcurrencyCaps{Unified: 2}, classifyCPU)
	s.ClaimNext(jobs.ConcurrencyCaps{Unified: 2}, classifyCPU)
	s.Fail(a.ID, "encoder crashed")
	s.Complete(c.ID, "/media/c.out.mkv", 100, 10)

	got := s.GetBatch(b.ID)
	if got.Status != jobs.BatchComplete {
		t.Fatalf("expected batch completed when at least one child succeeds, got %s", got.Status)
	}
}
