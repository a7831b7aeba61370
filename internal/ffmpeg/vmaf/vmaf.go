// Package vmaf scores a completed transcode against its source using
// ffmpeg's libvmaf filter, feeding the result into a preset's
// cumulative quality stats.
package vmaf

// TonemapConfig controls HDR-to-SDR conversion of both the reference and
// the distorted leg before scoring, so an HDR source can be compared against an SDR
// (tonemapped) output on equal footing.
type TonemapConfig struct {
	Enabled   bool
	Algorithm string

	// InputTransfer is the source's HDR transfer characteristic
	// ("smpte2084" for HDR10, "arib-std-b67" for HLG). Empty or
	// unrecognized values fall back to smpte2084.
	InputTransfer string
}
