package jobs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shrinklab/ffengine/internal/jobs"
)

func TestSegmentPathRoundTripsThroughDiscovery(t *testing.T) {
	dir := t.TempDir()

	p0 := jobs.SegmentPath(dir, "movie", "42", 0, "mkv")
	p1 := jobs.SegmentPath(dir, "movie", "42", 1, "mkv")
	other := jobs.SegmentPath(dir, "movie", "7", 0, "mkv")

	for _, p := range []string{p0, p1, other} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("writing fixture segment: %v", err)
		}
	}
	// An unrelated file in the same directory must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "movie.mkv"), []byte("x"), 0644); err != nil {
		t.Fatalf("writing unrelated fixture: %v", err)
	}

	byJob, err := jobs.DiscoverSegments(dir)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}

	segs, ok := byJob["42"]
	if !ok || len(segs) != 2 {
		t.Fatalf("expected 2 segments for job 42, got %+v", byJob)
	}
	if segs[0].SegIndex != 0 || segs[1].SegIndex != 1 {
		t.Fatalf("expected segments sorted by index, got %+v", segs)
	}

	if _, ok := byJob["7"]; !ok {
		t.Fatalf("expected job 7's single segment to also be discovered, got %+v", byJob)
	}
}

func TestDiscoverSegmentsOnMissingDirectory(t *testing.T) {
	byJob, err := jobs.DiscoverSegments(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected missing dir to be tolerated, got %v", err)
	}
	if len(byJob) != 0 {
		t.Fatalf("expected empty map, got %+v", byJob)
	}
}

func TestBuildConcatListEscapesQuotes(t *testing.T) {
	segments := []string{"/tmp/it's a segment.mkv", "/tmp/plain.mkv"}
	list := jobs.BuildConcatList(segments, nil)

	if !strings.Contains(list, `it'\''s a segment.mkv`) {
		t.Fatalf("expected embedded quote to be escaped, got %q", list)
	}
	if !strings.Contains(list, "file '/tmp/plain.mkv'") {
		t.Fatalf("expected plain segment to be quoted, got %q", list)
	}
}

func TestBuildConcatListAppliesOutpointToFinalSegment(t *testing.T) {
	segments := []string{"/tmp/a.mkv", "/tmp/b.mkv"}
	list := jobs.BuildConcatList(segments, []float64{0, 12.5})

	lines := strings.Split(strings.TrimSpace(list), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (file, file, outpoint), got %q", list)
	}
	if lines[2] != "outpoint 12.500" {
		t.Fatalf("expected outpoint clipping the final segment, got %q", lines[2])
	}
}

func TestBuildConcatListSkipsZeroOutpoint(t *testing.T) {
	segments := []string{"/tmp/a.mkv"}
	list := jobs.BuildConcatList(segments, []float64{0})
	if strings.Contains(list, "outpoint") {
		t.Fatalf("expected a zero outpoint to be omitted, got %q", list)
	}
}
