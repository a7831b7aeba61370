package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shrinklab/ffengine/internal/config"
	"github.com/shrinklab/ffengine/internal/ffmpeg"
	"github.com/shrinklab/ffengine/internal/logger"
)

const (
	// scanProgressEvery is how often UpdateScanProgress is broadcast
	// while the found candidates are being probed.
	scanProgressEvery = 32

	// maxScanProbers bounds how many ffprobe calls the scan runs at
	// once; unlike the transcode path this has no hardware concurrency
	// cost, just process and disk-I/O overhead, so it can run wider.
	maxScanProbers = 8
)

// Scanner walks a media tree and turns it into a batch of transcode
// jobs. It probes every candidate once, so a single directory walk
// serves both the "how big is this batch" question and the per-file
// codec check, and dedupes concurrent probes of the same path through
// probeGroup so a path already in flight from an earlier scan isn't
// probed twice.
type Scanner struct {
	state      *State
	prober     *ffmpeg.Prober
	probeGroup singleflight.Group
}

// NewScanner creates a Scanner bound to the shared state and prober.
func NewScanner(state *State, prober *ffmpeg.Prober) *Scanner {
	return &Scanner{state: state, prober: prober}
}

// RunAutoCompress starts a background walk of root and returns the new
// batch's descriptor immediately; the walk, probing, and enqueuing all
// happen asynchronously and report through State's batch and job
// listeners as they proceed.
func (sc *Scanner) RunAutoCompress(root string, cfg *config.Config) BatchDescriptor {
	id := uuid.NewString()
	sc.state.CreateBatch(id, root, cfg.OriginalHandling == "replace")

	go sc.scan(id, root, cfg)

	return BatchDescriptor{BatchID: id}
}

// scan does the actual walk-probe-enqueue work for one batch.
func (sc *Scanner) scan(batchID, root string, cfg *config.Config) {
	ctx := context.Background()

	candidates, err := sc.findVideoFiles(root)
	if err != nil {
		logger.Warn("batch scan aborted", "batch_id", batchID, "root", root, "error", err)
		sc.state.FinishScan(batchID)
		return
	}

	probed := sc.probeAll(ctx, batchID, candidates)

	preset := ffmpeg.GetPreset(cfg.DefaultPresetID)
	if preset == nil {
		logger.Warn("batch scan aborted: unknown default preset", "batch_id", batchID, "preset_id", cfg.DefaultPresetID)
		sc.state.FinishScan(batchID)
		return
	}

	var specs []EnqueueSpec
	for _, p := range probed {
		if !cfg.AllowSameCodec && alreadyEncoded(preset.Codec, p.result) {
			continue
		}
		info, err := os.Stat(p.path)
		if err != nil {
			continue
		}
		specs = append(specs, EnqueueSpec{
			InputPath:      p.path,
			JobType:        JobTypeVideo,
			Source:         SourceBatchScan,
			OriginalSizeMB: float64(info.Size()) / (1024 * 1024),
			PresetID:       cfg.DefaultPresetID,
			MediaInfo: MediaInfo{
				DurationMS: p.result.Duration.Milliseconds(),
				Width:      p.result.Width,
				Height:     p.result.Height,
				FrameRate:  p.result.FrameRate,
				VideoCodec: p.result.VideoCodec,
				AudioCodec: p.result.AudioCodec,
			},
		})
	}

	sc.state.UpdateScanProgress(batchID, len(candidates), len(specs))

	if len(specs) > 0 {
		created := sc.state.EnqueueBulk(specs)
		ids := make([]string, len(created))
		for i, job := range created {
			ids[i] = job.ID
		}
		sc.state.AddBatchChildren(batchID, ids)
	}

	sc.state.FinishScan(batchID)
	logger.Info("batch scan finished", "batch_id", batchID, "root", root,
		"files_scanned", len(candidates), "enqueued", len(specs))
}

// findVideoFiles walks root and returns every path that looks like a
// video file by extension, without probing any of them. Unreadable
// subdirectories are skipped rather than aborting the whole walk.
func (sc *Scanner) findVideoFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if ffmpeg.IsVideoFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

type probedFile struct {
	path   string
	result *ffmpeg.ProbeResult
}

// probeAll probes every candidate with bounded concurrency, reporting
// scan progress every scanProgressEvery files. Probe failures are
// logged and the file is dropped rather than failing the whole batch.
func (sc *Scanner) probeAll(ctx context.Context, batchID string, candidates []string) []probedFile {
	results := make([]probedFile, len(candidates))
	var done int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxScanProbers)

	for i, path := range candidates {
		i, path := i, path
		g.Go(func() error {
			v, err, _ := sc.probeGroup.Do(path, func() (interface{}, error) {
				return sc.prober.Probe(gctx, path)
			})
			if err != nil {
				logger.Warn("batch scan probe failed", "batch_id", batchID, "path", path, "error", err)
			} else {
				results[i] = probedFile{path: path, result: v.(*ffmpeg.ProbeResult)}
			}
			if n := atomic.AddInt64(&done, 1); n%scanProgressEvery == 0 {
				sc.state.UpdateScanProgress(batchID, int(n), 0)
			}
			return nil
		})
	}
	g.Wait()

	out := results[:0]
	for _, r := range results {
		if r.result != nil {
			out = append(out, r)
		}
	}
	return out
}

// alreadyEncoded reports whether a probed file is already in the
// preset's target codec, used to skip re-encoding unless the operator
// opted into AllowSameCodec.
func alreadyEncoded(codec ffmpeg.Codec, pr *ffmpeg.ProbeResult) bool {
	switch codec {
	case ffmpeg.CodecHEVC:
		return pr.IsHEVC
	case ffmpeg.CodecAV1:
		return pr.IsAV1
	case ffmpeg.CodecVP9:
		return pr.VideoCodec == "vp9"
	default:
		return false
	}
}
