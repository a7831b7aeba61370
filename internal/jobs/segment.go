package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// segmentNamePattern matches the deterministic temp-segment filename
// scheme: {stem}.{job_id}.seg{N}.tmp.{ext}. The job id is embedded so a
// single directory scan during crash recovery can group stray segments
// by owning job without consulting the persisted job list first.
var segmentNamePattern = regexp.MustCompile(`^(.+)\.([0-9]+)\.seg([0-9]+)\.tmp\.([A-Za-z0-9]+)$`)

// SegmentPath builds the deterministic path for segment segIdx of job
// jobID, derived from stem (the final output's basename without
// extension) and ext (the final output's extension, without the dot).
func SegmentPath(dir, stem, jobID string, segIdx int, ext string) string {
	name := fmt.Sprintf("%s.%s.seg%d.tmp.%s", stem, jobID, segIdx, ext)
	return filepath.Join(dir, name)
}

// ParsedSegment is one filename matched by the segment naming scheme.
type ParsedSegment struct {
	Path     string
	Stem     string
	JobID    string
	SegIndex int
	Ext      string
}

// parseSegmentName extracts the fields from a segment filename, or
// reports ok=false if name doesn't match the scheme (e.g. it's an
// unrelated file sharing the temp directory).
func parseSegmentName(path string) (ParsedSegment, bool) {
	m := segmentNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return ParsedSegment{}, false
	}
	idx, err := strconv.Atoi(m[3])
	if err != nil {
		return ParsedSegment{}, false
	}
	return ParsedSegment{Path: path, Stem: m[1], JobID: m[2], SegIndex: idx, Ext: m[4]}, true
}

// DiscoverSegments performs the single scan-per-recovery-pass directory
// read: it walks dir once and groups every matching temp segment
// by owning job id, each job's segments already sorted by index. Used
// by the persistence recovery pipeline instead of a per-job stat call,
// so recovery cost is O(files in dir) rather than O(jobs × files).
func DiscoverSegments(dir string) (map[string][]ParsedSegment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]ParsedSegment{}, nil
		}
		return nil, err
	}
	byJob := make(map[string][]ParsedSegment)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ps, ok := parseSegmentName(filepath.Join(dir, e.Name()))
		if !ok {
			continue
		}
		byJob[ps.JobID] = append(byJob[ps.JobID], ps)
	}
	for jobID := range byJob {
		segs := byJob[jobID]
		sort.Slice(segs, func(i, j int) bool { return segs[i].SegIndex < segs[j].SegIndex })
		byJob[jobID] = segs
	}
	return byJob, nil
}

// escapeConcatPath quotes path for the ffmpeg concat demuxer, escaping
// embedded single quotes with the standard shell-style '\'' sequence:
// close the quote, emit an escaped quote, reopen the quote.
func escapeConcatPath(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// BuildConcatList renders the concat demuxer script for a resume:
// segment i gets an outpoint at endTargets[i] when that entry exists
// and is non-zero, clipping it to the point the last recorded progress
// update covered; segments without such an entry play in full.
func BuildConcatList(segments []string, endTargets []float64) string {
	var b strings.Builder
	for i, seg := range segments {
		b.WriteString("file ")
		b.WriteString(escapeConcatPath(seg))
		b.WriteString("\n")
		if i < len(endTargets) && endTargets[i] > 0 {
			fmt.Fprintf(&b, "outpoint %s\n", formatSeconds(endTargets[i]))
		}
	}
	return b.String()
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
