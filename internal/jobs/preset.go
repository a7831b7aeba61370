package jobs

import "time"

// PresetStats holds cumulative counters for one preset.
// WallClockSeconds accrues as the *union* of processing intervals
// across concurrent jobs using this preset, not their sum — see
// presetActivity below.
type PresetStats struct {
	PresetID         string  `json:"preset_id"`
	UsageCount       int64   `json:"usage_count"`
	BytesIn          int64   `json:"bytes_in"`
	BytesOut         int64   `json:"bytes_out"`
	WallClockSeconds float64 `json:"wall_clock_seconds"`
	Frames           int64   `json:"frames"`
	VMafTotal        float64 `json:"vmaf_total"`
	VMafSamples      int64   `json:"vmaf_samples"`
}

// presetActivity tracks open processing intervals for one preset so
// their wall-clock union (not sum) can be folded into PresetStats on
// completion.
type presetActivity struct {
	activeCount int
	unionStart  time.Time
}

// start records the beginning of one job's processing interval against
// this preset. Must be called with the owning state's mutex held.
func (a *presetActivity) start(now time.Time) {
	if a.activeCount == 0 {
		a.unionStart = now
	}
	a.activeCount++
}

// stop records the end of one job's processing interval and returns the
// wall-clock seconds to add to the cumulative counter — non-zero only
// when this was the last concurrently-open interval for the preset, so
// overlapping intervals are counted once. Must be called with the
// owning state's mutex held.
func (a *presetActivity) stop(now time.Time) float64 {
	if a.activeCount == 0 {
		return 0
	}
	a.activeCount--
	if a.activeCount == 0 {
		return now.Sub(a.unionStart).Seconds()
	}
	return 0
}
