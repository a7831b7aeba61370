package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shrinklab/ffengine/internal/config"
	"github.com/shrinklab/ffengine/internal/ffmpeg"
	"github.com/shrinklab/ffengine/internal/ffmpeg/vmaf"
	"github.com/shrinklab/ffengine/internal/logger"
)

// Runner implements RunFunc (C4): it owns every subprocess-facing
// concern a scheduler worker needs to run one job to a terminal (or
// paused) outcome.
type Runner struct {
	cfg        *config.Config
	state      *State
	transcoder *ffmpeg.Transcoder
	prober     *ffmpeg.Prober
}

// NewRunner constructs a Runner bound to cfg and the shared state.
func NewRunner(cfg *config.Config, state *State) *Runner {
	return &Runner{
		cfg:        cfg,
		state:      state,
		transcoder: ffmpeg.NewTranscoder(cfg.FFmpegPath),
		prober:     ffmpeg.NewProber(cfg.FFprobePath),
	}
}

// Run executes job end to end and returns how it ended.
func (r *Runner) Run(ctx context.Context, job *Job) RunOutcome {
	preset := ffmpeg.GetPreset(job.PresetID)
	if preset == nil {
		return RunOutcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("unknown preset: %s", job.PresetID)}
	}

	probe, err := r.prober.Probe(ctx, job.InputPath)
	if err != nil {
		return RunOutcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("probe failed: %v", err)}
	}
	r.state.Mutate(job.ID, func(j *Job) {
		j.MediaInfo = MediaInfo{
			DurationMS: probe.Duration.Milliseconds(),
			Width:      probe.Width,
			Height:     probe.Height,
			FrameRate:  probe.FrameRate,
			VideoCodec: probe.VideoCodec,
			AudioCodec: probe.AudioCodec,
		}
	})

	container := ffmpeg.InferContainer(preset)
	tempDir := r.cfg.GetTempDir(job.InputPath)

	if err := checkTempSpace(tempDir); err != nil {
		return RunOutcome{Kind: OutcomeFailed, Reason: err.Error()}
	}

	// Plan paths: a fresh run gets segment 0; a resume continues from
	// the segment following whatever the sidecar/recovery left behind.
	segIdx := 0
	var priorSegments []string
	var priorEndTargets []float64
	resumeSeconds := 0.0

	existingJob := r.state.Get(job.ID)
	if existingJob != nil && existingJob.WaitMetadata != nil {
		wm := existingJob.WaitMetadata
		priorSegments = wm.Segments
		segIdx = len(priorSegments)
		resumeSeconds = resumeOffset(wm, r.cfg.ResumeBacktrackSeconds)
	}

	segPath := SegmentPath(tempDir, jobStem(job.InputPath), job.ID, segIdx, container)

	subtitleIndices := r.resolveSubtitles(ctx, job, container)

	args, err := ffmpeg.BuildArgs(ffmpeg.BuildParams{
		InputPath:        job.InputPath,
		OutputPath:       segPath,
		Preset:           preset,
		SourceBitrateBps: probe.Bitrate,
		SourceWidth:      probe.Width,
		SourceHeight:     probe.Height,
		SourceAudioCodec: probe.AudioCodec,
		QualityHEVC:      r.cfg.QualityHEVC,
		QualityAV1:       r.cfg.QualityAV1,
		ResumeSeconds:    resumeSeconds,
		SubtitleIndices:  subtitleIndices,
	})
	if err != nil {
		return RunOutcome{Kind: OutcomeFailed, Reason: err.Error()}
	}

	targetDuration := probe.Duration
	if resumeSeconds > 0 {
		targetDuration -= time.Duration(resumeSeconds * float64(time.Second))
	}

	lastReportedPercent := 0.0
	segResult, runErr := r.transcoder.RunSegment(ctx, args, targetDuration, func(p ffmpeg.Progress) {
		baseOffset := 0.0
		if probe.Duration > 0 {
			baseOffset = resumeSeconds / probe.Duration.Seconds() * 100
		}
		percent := baseOffset + p.Percent*(1-baseOffset/100)
		if percent < lastReportedPercent {
			return
		}
		lastReportedPercent = percent
		r.state.UpdateProgress(job.ID, percent)
		r.state.Mutate(job.ID, func(j *Job) {
			j.appendLog(fmt.Sprintf("frame=%d speed=%.2fx out_time=%s", p.Frame, p.Speed, p.OutTime))
		})
	}, func() (wait, cancel bool) {
		return r.state.ConsumeWaitRequest(job.ID), r.state.IsCancelled(job.ID)
	})

	switch {
	case errors.Is(runErr, context.Canceled):
		os.Remove(segPath)
		return RunOutcome{Kind: OutcomeCancelled}
	case errors.Is(runErr, ffmpeg.ErrCheckpointWait):
		return r.planPause(job, preset, container, priorSegments, priorEndTargets, segPath, segResult)
	case runErr != nil:
		primary := preset.Encoder
		if primary != ffmpeg.HWAccelNone {
			if fallbackResult, outcome, ok := r.tryFallback(ctx, job, preset, container, segPath, probe, subtitleIndices, resumeSeconds, targetDuration, runErr); ok {
				return r.finishSegment(job, preset, container, append(priorSegments, segPath), nil, probe, fallbackResult)
			} else {
				return outcome
			}
		}
		return RunOutcome{Kind: OutcomeFailed, Reason: runErr.Error()}
	}

	return r.finishSegment(job, preset, container, append(priorSegments, segPath), nil, probe, segResult)
}

// tryFallback walks the hardware-encoder fallback chain (VideoToolbox
// > NVENC > QSV > VAAPI > Software) after a primary encoder failure.
func (r *Runner) tryFallback(ctx context.Context, job *Job, preset *ffmpeg.Preset, container, segPath string, probe *ffmpeg.ProbeResult, subtitleIndices []int, resumeSeconds float64, targetDuration time.Duration, priorErr error) (*ffmpeg.SegmentResult, RunOutcome, bool) {
	current := preset.Encoder
	lastErr := priorErr
	for {
		fallback := ffmpeg.GetFallbackEncoder(current, preset.Codec)
		if fallback == nil {
			return nil, RunOutcome{Kind: OutcomeFailed, Reason: lastErr.Error()}, false
		}
		logger.Warn("encoder failed, trying fallback", "job_id", job.ID, "from", current, "to", fallback.Accel, "error", lastErr)

		next := *preset
		next.Encoder = fallback.Accel
		args, err := ffmpeg.BuildArgs(ffmpeg.BuildParams{
			InputPath:        job.InputPath,
			OutputPath:       segPath,
			Preset:           &next,
			SourceBitrateBps: probe.Bitrate,
			SourceWidth:      probe.Width,
			SourceHeight:     probe.Height,
			SourceAudioCodec: probe.AudioCodec,
			QualityHEVC:      r.cfg.QualityHEVC,
			QualityAV1:       r.cfg.QualityAV1,
			ResumeSeconds:    resumeSeconds,
			SubtitleIndices:  subtitleIndices,
		})
		if err != nil {
			lastErr = err
			current = fallback.Accel
			continue
		}
		result, runErr := r.transcoder.RunSegment(ctx, args, targetDuration, func(ffmpeg.Progress) {}, func() (bool, bool) {
			return r.state.ConsumeWaitRequest(job.ID), r.state.IsCancelled(job.ID)
		})
		if runErr == nil {
			return result, RunOutcome{}, true
		}
		if errors.Is(runErr, context.Canceled) {
			return nil, RunOutcome{Kind: OutcomeCancelled}, false
		}
		lastErr = runErr
		current = fallback.Accel
	}
}

// planPause finalizes a checkpoint pause: it probes the just-written
// segment (if any output exists) to discover the trustworthy out_time
// to resume from, and records wait metadata.
func (r *Runner) planPause(job *Job, preset *ffmpeg.Preset, container string, priorSegments []string, priorEndTargets []float64, segPath string, segResult *ffmpeg.SegmentResult) RunOutcome {
	wm := &WaitMetadata{
		Segments:          append(priorSegments, segPath),
		SegmentEndTargets: priorEndTargets,
	}
	if probed, err := r.prober.Probe(context.Background(), segPath); err == nil {
		wm.ProcessedSeconds = probed.Duration.Seconds()
		wm.LastProgressOutTimeSeconds = probed.Duration.Seconds()
		wm.SegmentEndTargets = append(wm.SegmentEndTargets, probed.Duration.Seconds())
	} else if segResult != nil {
		wm.ProcessedSeconds = segResult.OutDuration.Seconds()
		wm.LastProgressOutTimeSeconds = segResult.OutDuration.Seconds()
		wm.SegmentEndTargets = append(wm.SegmentEndTargets, segResult.OutDuration.Seconds())
	}
	if job := r.state.Get(job.ID); job != nil {
		wm.LastProgressPercent = job.Progress
	}
	return RunOutcome{Kind: OutcomePaused, WaitMetadata: wm}
}

// finishSegment concludes a run that reached the end of the source:
// concatenates any prior segments with this one (or renames directly
// if this was the only segment), finalizes the output in place of the
// original, applies the skip-if-not-smaller rule, and optionally
// scores the result against the source with VMAF.
func (r *Runner) finishSegment(job *Job, preset *ffmpeg.Preset, container string, segments []string, endTargets []float64, probe *ffmpeg.ProbeResult, lastSegment *ffmpeg.SegmentResult) RunOutcome {
	tempDir := r.cfg.GetTempDir(job.InputPath)
	outputPath := segments[len(segments)-1]
	var frames int64
	if lastSegment != nil {
		frames = lastSegment.Frames
	}

	if len(segments) > 1 {
		listPath := filepath.Join(tempDir, fmt.Sprintf("%s.%s.concat.txt", jobStem(job.InputPath), job.ID))
		if err := os.WriteFile(listPath, []byte(BuildConcatList(segments, endTargets)), 0644); err != nil {
			return RunOutcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("write concat list: %v", err)}
		}
		defer os.Remove(listPath)
		merged := SegmentPath(tempDir, jobStem(job.InputPath), job.ID, len(segments), container)
		if err := r.concat(listPath, merged); err != nil {
			return RunOutcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("concat segments: %v", err)}
		}
		for _, s := range segments {
			os.Remove(s)
		}
		outputPath = merged
	}

	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return RunOutcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("stat output: %v", err)}
	}
	outputSizeMB := float64(outInfo.Size()) / (1024 * 1024)
	inputSizeMB := job.OriginalSizeMB

	if outInfo.Size() >= int64(inputSizeMB*1024*1024) && !r.cfg.KeepLargerFiles {
		os.Remove(outputPath)
		return RunOutcome{Kind: OutcomeSkipped, Reason: "output not smaller than original"}
	}

	replace := r.cfg.OriginalHandling == "replace"
	finalPath, err := ffmpeg.FinalizeTranscode(job.InputPath, outputPath, container, replace, r.cfg.PreserveFileTimes)
	if err != nil {
		return RunOutcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("finalize: %v", err)}
	}

	if probe.Duration > 0 {
		if score, err := vmaf.Score(context.Background(), r.cfg.FFmpegPath, job.InputPath, finalPath, probe.Height, nil); err == nil {
			r.recordVMAF(job.PresetID, score)
		}
	}

	logger.Info("job completed",
		"job_id", job.ID,
		"original", humanize.Bytes(uint64(inputSizeMB*1024*1024)),
		"output", humanize.Bytes(uint64(outputSizeMB*1024*1024)),
	)

	return RunOutcome{Kind: OutcomeCompleted, OutputPath: finalPath, OutputSizeMB: outputSizeMB, Frames: frames}
}

func (r *Runner) recordVMAF(presetID string, score float64) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	ps := r.state.presetStatsLocked(presetID)
	ps.VMafTotal += score
	ps.VMafSamples++
}

func (r *Runner) concat(listPath, outputPath string) error {
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", outputPath}
	_, err := r.transcoder.RunSegment(context.Background(), args, 0, nil, nil)
	return err
}

// resolveSubtitles filters source subtitle streams to those compatible
// with the output container; webm carries none, mkv drops the rest.
func (r *Runner) resolveSubtitles(ctx context.Context, job *Job, container string) []int {
	if container != "mkv" {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	streams, err := r.prober.ProbeSubtitles(probeCtx, job.InputPath)
	if err != nil || len(streams) == 0 {
		return nil
	}
	compatible, dropped := ffmpeg.FilterMKVCompatible(streams)
	if len(dropped) > 0 {
		logger.Warn("dropping incompatible subtitle streams", "job_id", job.ID, "codecs", dropped)
	}
	return compatible
}

// resumeOffset picks the seek point for a resumed segment: the probed
// segment end (trustworthy, since it reflects what's actually on disk)
// unless a later progress update is within a small tolerance of it, in
// which case the fresher value is used. A backtrack is then subtracted
// so the new segment slightly overlaps the old one rather than risking
// a gap at the seam.
func resumeOffset(wm *WaitMetadata, backtrack float64) float64 {
	base := wm.ProcessedSeconds
	const tolerance = 1.0
	if wm.LastProgressOutTimeSeconds > 0 && math.Abs(wm.LastProgressOutTimeSeconds-base) <= tolerance {
		base = wm.LastProgressOutTimeSeconds
	}
	base -= backtrack
	if base < 0 {
		base = 0
	}
	return base
}

func jobStem(inputPath string) string {
	base := inputPath
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			base = base[i+1:]
			break
		}
	}
	ext := ""
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			ext = base[i:]
			break
		}
	}
	return base[:len(base)-len(ext)]
}
