package jobs

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// minTempSpaceMB is the minimum free space a segment's temp directory
// must have before a run is allowed to start. A source file can nearly
// double in temp usage mid-transcode (source plus in-progress segment),
// so this is a coarse guard against filling the volume, not a precise
// budget.
const minTempSpaceMB = 250

// availableSpaceMB returns the free space in path in megabytes, or 0 if
// it cannot be determined (missing path, unsupported filesystem).
func availableSpaceMB(path string) uint64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0
	}
	return (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024)
}

// checkTempSpace fails fast with a readable error when a job's temp
// directory is too low on space to safely start a segment. A zero
// result from availableSpaceMB (can't stat) is treated as "proceed":
// the encode itself will fail loudly if disk actually runs out.
func checkTempSpace(tempDir string) error {
	available := availableSpaceMB(tempDir)
	if available == 0 {
		return nil
	}
	if available < minTempSpaceMB {
		return fmt.Errorf("insufficient space in %s: %s available, need at least %s",
			tempDir,
			humanize.Bytes(available*1024*1024),
			humanize.Bytes(minTempSpaceMB*1024*1024))
	}
	return nil
}
