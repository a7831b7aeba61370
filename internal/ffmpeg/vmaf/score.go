package vmaf

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/shrinklab/ffengine/internal/logger"
)

// analysisSem bounds how many ffmpeg/libvmaf processes run at once,
// independent of the worker pool's own transcode concurrency: scoring
// is CPU-heavy and runs after a job's encode has already finished, so
// it gets its own cap rather than competing under the transcode one.
var analysisSem = semaphore.NewWeighted(3)

// buildSDRScoringFilter creates a filtergraph for SDR VMAF comparison.
// Both legs are normalized to yuv420p before libvmaf.
func buildSDRScoringFilter(model string, threads int) string {
	return fmt.Sprintf(
		"[0:v]format=yuv420p[dist];[1:v]format=yuv420p[ref];"+
			"[dist][ref]libvmaf=model=version=%s:n_threads=%d",
		model, threads)
}

// buildHDRScoringFilter creates a filtergraph for HDR VMAF comparison.
// Both legs are tonemapped from HDR to SDR so VMAF (which is only
// validated for SDR-to-SDR comparison) sees a fair fight. inputTransfer
// selects the HDR transfer curve (PQ or HLG); unknown/empty falls back
// to smpte2084 (PQ), the more common case.
//
// Pipeline order (tonemap requires linear light input):
// 1. Linearize from the source transfer with explicit HDR metadata
// 2. Convert to float format for precision
// 3. Convert primaries to bt709 (color space, still linear)
// 4. Apply tonemap algorithm (operates on linear light)
// 5. Apply bt709 transfer curve and matrix (gamma correction)
// 6. Convert to yuv420p for VMAF
func buildHDRScoringFilter(model string, threads int, algorithm string, inputTransfer string) string {
	switch inputTransfer {
	case "smpte2084", "arib-std-b67":
	default:
		inputTransfer = "smpte2084"
	}
	leg := func(label string) string {
		return fmt.Sprintf(
			"zscale=pin=bt2020:tin=%s:min=bt2020nc:t=linear:npl=1000,"+
				"format=gbrpf32le,"+
				"zscale=p=bt709,"+
				"tonemap=%s:desat=0:peak=100,"+
				"zscale=t=bt709:m=bt709,"+
				"format=yuv420p[%s]",
			inputTransfer, algorithm, label)
	}
	return fmt.Sprintf(
		"[0:v]%s;[1:v]%s;[dist][ref]libvmaf=model=version=%s:n_threads=%d",
		leg("dist"), leg("ref"), model, threads)
}

// SetMaxConcurrentAnalyses configures the concurrent analysis limit and
// returns the clamped value. Thread count per analysis is fixed at
// ~50% CPU (numCPU/2) regardless of this setting; multiple concurrent
// analyses can stack to use more total CPU.
func SetMaxConcurrentAnalyses(n int) int {
	if n < 1 {
		n = 1
	}
	if n > 3 {
		n = 3
	}
	analysisSem = semaphore.NewWeighted(int64(n))
	return n
}

// GetThreadCount returns the number of threads each VMAF process should use.
// Uses numCPU/2 to limit decoders and filters to ~50% CPU.
// Note: Software encoders (x265, svtav1) ignore this and use all cores.
func GetThreadCount() int {
	numThreads := runtime.NumCPU() / 2
	if numThreads < 1 {
		numThreads = 1
	}
	return numThreads
}

// Score calculates the VMAF score between reference and distorted videos.
// When tonemap is provided and enabled, both legs are tonemapped from HDR to SDR.
// height is the distorted video's height; it only selects the model via
// scoringHeight(height), and Score does not scale either leg.
func Score(ctx context.Context, ffmpegPath, referencePath, distortedPath string, height int, tonemap *TonemapConfig) (float64, error) {
	if err := analysisSem.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("waiting for analysis slot: %w", err)
	}
	defer analysisSem.Release(1)

	model := SelectModel(scoringHeight(height))
	numThreads := GetThreadCount()

	// Build appropriate filtergraph based on HDR/SDR
	var filterComplex string
	if tonemap != nil && tonemap.Enabled {
		algorithm := tonemap.Algorithm
		if algorithm == "" {
			algorithm = "hable"
		}
		filterComplex = buildHDRScoringFilter(model, numThreads, algorithm, tonemap.InputTransfer)
	} else {
		filterComplex = buildSDRScoringFilter(model, numThreads)
	}

	args := []string{
		"-threads", fmt.Sprintf("%d", numThreads),
		"-filter_threads", fmt.Sprintf("%d", numThreads),
		"-i", distortedPath,
		"-i", referencePath,
		"-filter_complex", filterComplex,
		"-f", "null", "-",
	}

	// Run with low CPU priority so VMAF analysis yields to other processes
	niceArgs := append([]string{"-n", "19", ffmpegPath}, args...)
	cmd := exec.CommandContext(ctx, "nice", niceArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("VMAF scoring failed", "error", err, "stderr", lastLines(string(output), 5))
		return 0, fmt.Errorf("VMAF scoring failed: %w (%s)", err, lastLines(string(output), 3))
	}

	return parseVMAFScore(string(output))
}

// scoringHeight clamps the comparison height to 1080p: VMAF models are
// tuned for specific resolutions, and scoring a 4K encode natively is
// both slower and less meaningful than comparing at 1080p. Anything at
// or below 1080p is scored at its native (even-clamped) height.
func scoringHeight(height int) int {
	if height <= 0 {
		return 1080
	}
	if height > 1080 {
		return 1080
	}
	if height%2 != 0 {
		height--
	}
	return height
}

// averageScores returns the arithmetic mean of scores, or 0 if empty.
func averageScores(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range scores {
		total += s
	}
	return total / float64(len(scores))
}

// lastLines returns the last n lines of output, for compact error logs.
func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// parseVMAFScore extracts the VMAF score from FFmpeg output
func parseVMAFScore(output string) (float64, error) {
	// Look for "VMAF score: XX.XX" or "vmaf.*mean.*: XX.XX" patterns
	patterns := []string{
		`VMAF score:\s*([\d.]+)`,
		`"vmaf"[^}]*"mean":\s*([\d.]+)`,
		`vmaf_v.*mean:\s*([\d.]+)`,
	}

	for _, pattern := range patterns {
		re := regexp.MustCompile(pattern)
		matches := re.FindStringSubmatch(output)
		if len(matches) >= 2 {
			score, err := strconv.ParseFloat(strings.TrimSpace(matches[1]), 64)
			if err == nil {
				return score, nil
			}
		}
	}

	return 0, fmt.Errorf("could not parse VMAF score from output")
}

