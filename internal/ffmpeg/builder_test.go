package ffmpeg

import (
	"strings"
	"testing"
)

func TestResolveQualityDynamicBitrateHEVC(t *testing.T) {
	// VideoToolbox HEVC uses a 0.35 bitrate modifier.
	config := encoderConfigs[EncoderKey{HWAccelVideoToolbox, CodecHEVC}]
	got := resolveQuality(config, CodecHEVC, BuildParams{SourceBitrateBps: 3481000})
	if got != "1218k" {
		t.Errorf("expected 1218k, got %s", got)
	}
}

func TestResolveQualityDynamicBitrateAV1(t *testing.T) {
	// VideoToolbox AV1 uses a more aggressive 0.25 modifier.
	config := encoderConfigs[EncoderKey{HWAccelVideoToolbox, CodecAV1}]
	got := resolveQuality(config, CodecAV1, BuildParams{SourceBitrateBps: 3481000})
	if got != "870k" {
		t.Errorf("expected 870k, got %s", got)
	}
}

func TestResolveQualityBitrateClamped(t *testing.T) {
	config := encoderConfigs[EncoderKey{HWAccelVideoToolbox, CodecHEVC}]

	low := resolveQuality(config, CodecHEVC, BuildParams{SourceBitrateBps: 500000})
	if low != "500k" {
		t.Errorf("expected clamp to minimum 500k, got %s", low)
	}

	high := resolveQuality(config, CodecHEVC, BuildParams{SourceBitrateBps: 50000000})
	if high != "15000k" {
		t.Errorf("expected clamp to maximum 15000k, got %s", high)
	}
}

func TestResolveQualitySoftwareUsesCRFDefault(t *testing.T) {
	config := encoderConfigs[EncoderKey{HWAccelNone, CodecHEVC}]
	got := resolveQuality(config, CodecHEVC, BuildParams{SourceBitrateBps: 3481000})
	if got != "26" {
		t.Errorf("expected software default CRF 26, got %s", got)
	}
}

func TestResolveQualityOverrideWinsOverDefault(t *testing.T) {
	config := encoderConfigs[EncoderKey{HWAccelNone, CodecHEVC}]
	got := resolveQuality(config, CodecHEVC, BuildParams{QualityHEVC: 22})
	if got != "22" {
		t.Errorf("expected override 22, got %s", got)
	}
}

func TestResolveQualityZeroBitrateFallsBackToModifier(t *testing.T) {
	config := encoderConfigs[EncoderKey{HWAccelVideoToolbox, CodecHEVC}]
	got := resolveQuality(config, CodecHEVC, BuildParams{SourceBitrateBps: 0})
	if got != "0.35" {
		t.Errorf("expected fallback to raw modifier 0.35, got %s", got)
	}
}

func TestBuildArgsSoftwareUsesCRFNotBitrate(t *testing.T) {
	preset := &Preset{ID: "test", Encoder: HWAccelNone, Codec: CodecHEVC}
	args, err := BuildArgs(BuildParams{InputPath: "in.mkv", OutputPath: "out.mkv", Preset: preset})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	argsStr := strings.Join(args, " ")
	if !strings.Contains(argsStr, "-crf 26") {
		t.Errorf("expected -crf 26 for software encoder, got: %s", argsStr)
	}
	if strings.Contains(argsStr, "-b:v") {
		t.Errorf("software encoder should not use -b:v, got: %s", argsStr)
	}
}

func TestBuildArgsWebmForcesVP9SoftwareFallback(t *testing.T) {
	// An HEVC preset pinned to a webm container can't actually carry
	// HEVC, so BuildArgs must downgrade to software VP9.
	preset := &Preset{ID: "test", Encoder: HWAccelVideoToolbox, Codec: CodecHEVC, Container: "webm"}
	args, err := BuildArgs(BuildParams{InputPath: "in.mkv", OutputPath: "out.webm", Preset: preset})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	argsStr := strings.Join(args, " ")
	if !strings.Contains(argsStr, "libvpx-vp9") {
		t.Errorf("expected libvpx-vp9 fallback encoder, got: %s", argsStr)
	}
}

func TestBuildArgsWebmForcesOpusAudio(t *testing.T) {
	preset := &Preset{ID: "vp9", Encoder: HWAccelNone, Codec: CodecVP9}
	args, err := BuildArgs(BuildParams{
		InputPath:        "in.mkv",
		OutputPath:       "out.webm",
		Preset:           preset,
		SourceAudioCodec: "aac",
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	argsStr := strings.Join(args, " ")
	if !strings.Contains(argsStr, "-c:a libopus") {
		t.Errorf("expected libopus fallback for incompatible webm audio, got: %s", argsStr)
	}
}

func TestBuildArgsWebmDropsSubtitles(t *testing.T) {
	preset := &Preset{ID: "vp9", Encoder: HWAccelNone, Codec: CodecVP9}
	args, err := BuildArgs(BuildParams{
		InputPath:       "in.mkv",
		OutputPath:      "out.webm",
		Preset:          preset,
		SubtitleIndices: []int{3},
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	argsStr := strings.Join(args, " ")
	if !strings.Contains(argsStr, "-sn") {
		t.Errorf("expected -sn for webm output, got: %s", argsStr)
	}
}

func TestBuildArgsAlwaysEnforcesProgressPipe(t *testing.T) {
	preset := &Preset{ID: "test", Encoder: HWAccelNone, Codec: CodecHEVC}
	args, err := BuildArgs(BuildParams{InputPath: "in.mkv", OutputPath: "out.mkv", Preset: preset})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	argsStr := strings.Join(args, " ")
	if !strings.Contains(argsStr, "-progress pipe:2") {
		t.Errorf("expected -progress pipe:2, got: %s", argsStr)
	}
}

func TestBuildArgsResumeInjectsSeek(t *testing.T) {
	preset := &Preset{ID: "test", Encoder: HWAccelNone, Codec: CodecHEVC}
	args, err := BuildArgs(BuildParams{
		InputPath:     "in.mkv",
		OutputPath:    "out.mkv",
		Preset:        preset,
		ResumeSeconds: 120.5,
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if args[0] != "-ss" || args[1] != "120.500" {
		t.Errorf("expected leading -ss 120.500, got: %v", args[:2])
	}
}

func TestBuildArgsAdvancedTemplateOverridesStructured(t *testing.T) {
	preset := &Preset{
		ID:               "custom",
		AdvancedTemplate: `-c:v libx264 -crf 20 INPUT OUTPUT`,
	}
	args, err := BuildArgs(BuildParams{InputPath: "in.mkv", OutputPath: "out.mkv", Preset: preset})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	argsStr := strings.Join(args, " ")
	if !strings.Contains(argsStr, "in.mkv") || !strings.Contains(argsStr, "out.mkv") {
		t.Errorf("expected INPUT/OUTPUT substitution, got: %s", argsStr)
	}
	if !strings.Contains(argsStr, "-progress pipe:2") {
		t.Errorf("advanced template should still get progress pipe enforced, got: %s", argsStr)
	}
}

func TestTokenizeTemplateHandlesEscapedDoubleQuote(t *testing.T) {
	tokens, err := tokenizeTemplate(`-metadata title="a \"quoted\" title"`)
	if err != nil {
		t.Fatalf("tokenize failed: %v", err)
	}
	want := []string{"-metadata", `title=a "quoted" title`}
	if len(tokens) != len(want) || tokens[0] != want[0] || tokens[1] != want[1] {
		t.Errorf("expected %v, got %v", want, tokens)
	}
}

func TestBuildArgsAdvancedTemplateStripsLeadingFFmpegProgram(t *testing.T) {
	preset := &Preset{
		ID:               "custom",
		AdvancedTemplate: `ffmpeg -c:v libx264 -crf 20 INPUT OUTPUT`,
	}
	args, err := BuildArgs(BuildParams{InputPath: "in.mkv", OutputPath: "out.mkv", Preset: preset})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if args[0] == "ffmpeg" {
		t.Errorf("expected leading ffmpeg program token stripped, got: %v", args)
	}
}

func TestBuildArgsAdvancedTemplateRewritesProgressTargetToStderr(t *testing.T) {
	preset := &Preset{
		ID:               "custom",
		AdvancedTemplate: `-c:v libx264 -progress pipe:1 INPUT OUTPUT`,
	}
	args, err := BuildArgs(BuildParams{InputPath: "in.mkv", OutputPath: "out.mkv", Preset: preset})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	argsStr := strings.Join(args, " ")
	if !strings.Contains(argsStr, "-progress pipe:2") {
		t.Errorf("expected progress target rewritten to pipe:2, got: %s", argsStr)
	}
	if strings.Contains(argsStr, "pipe:1") {
		t.Errorf("expected the template's own pipe:1 target dropped, got: %s", argsStr)
	}
}

func TestBuildArgsForceContainerInsertsMuxerFlagBeforeOutput(t *testing.T) {
	preset := &Preset{ID: "test", Encoder: HWAccelNone, Codec: CodecHEVC}
	args, err := BuildArgs(BuildParams{
		InputPath:      "in.avi",
		OutputPath:     "out.mkv",
		Preset:         preset,
		ForceContainer: "mkv",
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if len(args) < 2 || args[len(args)-1] != "out.mkv" || args[len(args)-3] != "-f" || args[len(args)-2] != "matroska" {
		t.Errorf("expected trailing -f matroska out.mkv, got: %v", args)
	}
}

func TestBuildArgsAdvancedTemplateForceContainerReplacesExistingDashF(t *testing.T) {
	preset := &Preset{
		ID:               "custom",
		AdvancedTemplate: `-c:v libx264 -f webm INPUT OUTPUT`,
	}
	args, err := BuildArgs(BuildParams{
		InputPath:      "in.mkv",
		OutputPath:     "out.mkv",
		Preset:         preset,
		ForceContainer: "mkv",
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	if strings.Contains(strings.Join(args, " "), "webm") {
		t.Errorf("expected template's own -f webm stripped, got: %v", args)
	}
	idx := -1
	for i, a := range args {
		if a == "out.mkv" {
			idx = i
		}
	}
	if idx < 2 || args[idx-2] != "-f" || args[idx-1] != "matroska" {
		t.Errorf("expected forced -f matroska immediately before output, got: %v", args)
	}
}

func TestInferContainer(t *testing.T) {
	if got := InferContainer(&Preset{Codec: CodecVP9}); got != "webm" {
		t.Errorf("expected webm for VP9, got %s", got)
	}
	if got := InferContainer(&Preset{Codec: CodecHEVC}); got != "mkv" {
		t.Errorf("expected mkv for HEVC, got %s", got)
	}
	if got := InferContainer(&Preset{Codec: CodecHEVC, Container: "webm"}); got != "webm" {
		t.Errorf("expected explicit container override to win, got %s", got)
	}
}
