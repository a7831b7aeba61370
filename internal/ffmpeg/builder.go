package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
)

// encoderSettings defines FFmpeg settings for each encoder
type encoderSettings struct {
	encoder     string   // FFmpeg encoder name
	qualityFlag string   // -crf, -b:v, -global_quality, etc.
	quality     string   // Quality value (CRF or bitrate modifier)
	extraArgs   []string // Additional encoder-specific args
	usesBitrate bool     // If true, quality value is a bitrate modifier (0.0-1.0)
}

// Bitrate constraints for dynamic bitrate calculation (VideoToolbox and
// other bitrate-controlled encoders).
const (
	minBitrateKbps = 500   // Minimum target bitrate in kbps
	maxBitrateKbps = 15000 // Maximum target bitrate in kbps
)

var encoderConfigs = map[EncoderKey]encoderSettings{
	{HWAccelNone, CodecHEVC}: {
		encoder:     "libx265",
		qualityFlag: "-crf",
		quality:     "26",
		extraArgs:   []string{"-preset", "medium"},
	},
	{HWAccelVideoToolbox, CodecHEVC}: {
		encoder:     "hevc_videotoolbox",
		qualityFlag: "-b:v",
		quality:     "0.35",
		extraArgs:   []string{"-allow_sw", "1"},
		usesBitrate: true,
	},
	{HWAccelNVENC, CodecHEVC}: {
		encoder:     "hevc_nvenc",
		qualityFlag: "-cq",
		quality:     "28",
		extraArgs:   []string{"-preset", "p4", "-tune", "hq", "-rc", "vbr"},
	},
	{HWAccelQSV, CodecHEVC}: {
		encoder:     "hevc_qsv",
		qualityFlag: "-global_quality",
		quality:     "27",
		extraArgs:   []string{"-preset", "medium"},
	},
	{HWAccelVAAPI, CodecHEVC}: {
		encoder:     "hevc_vaapi",
		qualityFlag: "-qp",
		quality:     "27",
	},
	{HWAccelNone, CodecAV1}: {
		encoder:     "libsvtav1",
		qualityFlag: "-crf",
		quality:     "38",
		extraArgs:   []string{"-preset", "6"},
	},
	{HWAccelVideoToolbox, CodecAV1}: {
		encoder:     "av1_videotoolbox",
		qualityFlag: "-b:v",
		quality:     "0.25",
		extraArgs:   []string{"-allow_sw", "1"},
		usesBitrate: true,
	},
	{HWAccelNVENC, CodecAV1}: {
		encoder:     "av1_nvenc",
		qualityFlag: "-cq",
		quality:     "36",
		extraArgs:   []string{"-preset", "p4", "-tune", "hq", "-rc", "vbr"},
	},
	{HWAccelQSV, CodecAV1}: {
		encoder:     "av1_qsv",
		qualityFlag: "-global_quality",
		quality:     "34",
		extraArgs:   []string{"-preset", "medium"},
	},
	{HWAccelVAAPI, CodecAV1}: {
		encoder:     "av1_vaapi",
		qualityFlag: "-qp",
		quality:     "34",
	},
	{HWAccelNone, CodecVP9}: {
		encoder:     "libvpx-vp9",
		qualityFlag: "-crf",
		quality:     "32",
		extraArgs:   []string{"-b:v", "0", "-deadline", "good", "-cpu-used", "2"},
	},
}

// Preset defines a transcoding preset. Either the structured fields
// (Encoder/Codec/MaxHeight) drive BuildArgs, or AdvancedTemplate
// overrides them entirely with a raw argv template.
type Preset struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Encoder     HWAccel `json:"encoder"`
	Codec       Codec   `json:"codec"`
	MaxHeight   int     `json:"max_height"`
	Container   string  `json:"container,omitempty"` // "" = infer from codec

	// AdvancedTemplate, when non-empty, is tokenized (quote-aware) and
	// used verbatim in place of structured arg generation. The literal
	// tokens INPUT and OUTPUT are substituted with the job's resolved
	// input/output paths.
	AdvancedTemplate string `json:"advanced_template,omitempty"`
}

// webmVideoCodecs and webmAudioCodecs are the codec families the webm
// container accepts; anything else forces a fallback encoder/codec so
// the output file is actually playable.
var webmVideoCodecs = map[Codec]bool{CodecVP9: true, CodecAV1: true}
var webmAudioCodecs = map[string]bool{"opus": true, "vorbis": true}

// inferContainer picks the output container: an explicit preset
// override wins, otherwise webm for VP9 and mkv for everything else,
// AV1 included, even though webmVideoCodecs accepts AV1 in webm.
func inferContainer(preset *Preset) string {
	if preset.Container != "" {
		return preset.Container
	}
	if preset.Codec == CodecVP9 {
		return "webm"
	}
	return "mkv"
}

// InferContainer exposes inferContainer to callers outside this
// package that need to plan an output path before calling BuildArgs.
func InferContainer(preset *Preset) string {
	return inferContainer(preset)
}

// normalizeContainerFormat maps a UI-friendly container name to the
// muxer name ffmpeg's -f expects. Presets and output paths speak in
// the friendly name ("mkv"); only matroska needs translating, every
// other container name this engine uses already is its own muxer name.
func normalizeContainerFormat(name string) string {
	name = strings.TrimSpace(name)
	if name == "mkv" {
		return "matroska"
	}
	return name
}

// BuildParams is the input to BuildArgs.
type BuildParams struct {
	InputPath        string
	OutputPath       string
	Preset           *Preset
	SourceBitrateBps int64
	SourceWidth      int
	SourceHeight     int
	SourceAudioCodec string
	QualityHEVC      int // CRF override, 0 = preset default
	QualityAV1       int // CRF override, 0 = preset default
	ResumeSeconds    float64
	SubtitleIndices  []int // container-compatible subtitle stream indices to keep

	// ForceContainer is an output-policy override: a UI container name
	// (e.g. "mkv") that takes precedence over both the preset's own
	// Container field and codec-based inference, forcing an explicit
	// "-f <muxer>" immediately before the output path.
	ForceContainer string
}

// BuildArgs builds the full ffmpeg argv (excluding the binary itself)
// for one encoder invocation: container inference, progress-pipe
// enforcement, webm codec-compatibility fallback, audio-copy
// filter-chain skip, and resume -ss injection.
func BuildArgs(p BuildParams) ([]string, error) {
	if p.Preset == nil {
		return nil, fmt.Errorf("ffmpeg: nil preset")
	}
	if p.Preset.AdvancedTemplate != "" {
		return buildAdvancedArgs(p)
	}

	container := inferContainer(p.Preset)
	if p.ForceContainer != "" {
		container = p.ForceContainer
	}
	codec := p.Preset.Codec
	encoder := p.Preset.Encoder
	if container == "webm" && !webmVideoCodecs[codec] {
		codec = CodecVP9
		encoder = HWAccelNone
	}

	key := EncoderKey{encoder, codec}
	config, ok := encoderConfigs[key]
	if !ok {
		config, ok = encoderConfigs[EncoderKey{HWAccelNone, codec}]
		if !ok {
			return nil, fmt.Errorf("ffmpeg: no encoder config for codec %s", codec)
		}
		encoder = HWAccelNone
	}

	var args []string
	if p.ResumeSeconds > 0 {
		args = append(args, "-ss", strconv.FormatFloat(p.ResumeSeconds, 'f', 3, 64))
	}

	if encoder == HWAccelVAAPI {
		args = append([]string{"-vaapi_device", "/dev/dri/renderD128"}, args...)
	}

	args = append(args, "-i", p.InputPath)

	var videoFilters []string
	if p.Preset.MaxHeight > 0 {
		if encoder == HWAccelVAAPI {
			videoFilters = append(videoFilters, fmt.Sprintf("format=nv12,hwupload,scale_vaapi=-2:'min(ih,%d)'", p.Preset.MaxHeight))
		} else {
			videoFilters = append(videoFilters, fmt.Sprintf("scale=-2:'min(ih,%d)'", p.Preset.MaxHeight))
		}
	}
	if len(videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(videoFilters, ","))
	}

	args = append(args, "-c:v", config.encoder)

	qualityStr := resolveQuality(config, codec, p)
	args = append(args, config.qualityFlag, qualityStr)
	args = append(args, config.extraArgs...)

	if p.SubtitleIndices != nil && container != "webm" {
		// Only the subtitle streams listed in SubtitleIndices are mapped below.
		args = append(args, "-map", "0:v", "-map", "0:a?")
	} else {
		args = append(args, "-map", "0")
	}

	// Audio is copied without a filter chain, except that webm output
	// re-encodes source audio other than opus/vorbis to libopus.
	audioCodec := "copy"
	if container == "webm" && !webmAudioCodecs[p.SourceAudioCodec] {
		audioCodec = "libopus"
	}
	args = append(args, "-c:a", audioCodec)

	if container == "webm" {
		// webm carries no subtitle tracks.
		args = append(args, "-sn")
	} else if len(p.SubtitleIndices) > 0 {
		for _, idx := range p.SubtitleIndices {
			args = append(args, "-map", fmt.Sprintf("0:%d", idx))
		}
		args = append(args, "-c:s", "copy")
	} else {
		args = append(args, "-c:s", "copy")
	}

	args = append(args, "-y", "-progress", "pipe:2", "-nostats")
	if p.ForceContainer != "" {
		args = append(args, "-f", normalizeContainerFormat(container))
	}
	args = append(args, p.OutputPath)
	return args, nil
}

func resolveQuality(config encoderSettings, codec Codec, p BuildParams) string {
	if config.usesBitrate && p.SourceBitrateBps > 0 {
		modifier := 0.5
		fmt.Sscanf(config.quality, "%f", &modifier)
		targetKbps := int64(float64(p.SourceBitrateBps) * modifier / 1000)
		if targetKbps < minBitrateKbps {
			targetKbps = minBitrateKbps
		}
		if targetKbps > maxBitrateKbps {
			targetKbps = maxBitrateKbps
		}
		return fmt.Sprintf("%dk", targetKbps)
	}
	switch codec {
	case CodecHEVC:
		if p.QualityHEVC > 0 {
			return strconv.Itoa(p.QualityHEVC)
		}
	case CodecAV1:
		if p.QualityAV1 > 0 {
			return strconv.Itoa(p.QualityAV1)
		}
	}
	return config.quality
}

// buildAdvancedArgs tokenizes an advanced-template preset (quote-aware,
// so a filter graph containing spaces can be given as one token) and
// substitutes the INPUT/OUTPUT placeholders, then enforces the
// progress pipe and resume seek exactly as the structured path does.
func buildAdvancedArgs(p BuildParams) ([]string, error) {
	tokens, err := tokenizeTemplate(p.Preset.AdvancedTemplate)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: advanced template: %w", err)
	}
	stripLeadingFFmpegProgram(&tokens)
	if p.ForceContainer != "" {
		stripOutputFormatFlag(&tokens)
	}

	args := make([]string, 0, len(tokens)+6)
	if p.ResumeSeconds > 0 {
		args = append(args, "-ss", strconv.FormatFloat(p.ResumeSeconds, 'f', 3, 64))
	}
	hasProgress := false
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "INPUT":
			args = append(args, p.InputPath)
		case "OUTPUT":
			if p.ForceContainer != "" {
				args = append(args, "-f", normalizeContainerFormat(p.ForceContainer))
			}
			args = append(args, p.OutputPath)
		case "-progress":
			// Rewritten to stderr regardless of the template's own
			// target so the stderr progress parser always has data.
			args = append(args, "-progress", "pipe:2")
			hasProgress = true
			if i+1 < len(tokens) {
				i++ // drop the template's own target token
			}
			continue
		default:
			args = append(args, tok)
		}
	}
	if !hasProgress {
		args = append(args, "-progress", "pipe:2", "-nostats")
	}
	return args, nil
}

// stripLeadingFFmpegProgram removes a leading "ffmpeg"/"ffmpeg.exe"
// program-name token some advanced templates are written with, so it
// never gets passed through as an argv element to a Command already
// invoking the ffmpeg binary itself.
func stripLeadingFFmpegProgram(tokens *[]string) {
	t := *tokens
	if len(t) == 0 {
		return
	}
	base := strings.ToLower(t[0])
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}
	if base == "ffmpeg" || base == "ffmpeg.exe" {
		*tokens = t[1:]
	}
}

// stripOutputFormatFlag removes an existing "-f <value>" pair from an
// advanced template so a forced output-policy override is the only
// one that reaches ffmpeg's argv.
func stripOutputFormatFlag(tokens *[]string) {
	t := *tokens
	for i := 0; i < len(t); i++ {
		if t[i] == "-f" {
			if i+1 < len(t) {
				*tokens = append(t[:i], t[i+2:]...)
			} else {
				*tokens = t[:i]
			}
			return
		}
	}
}

// tokenizeTemplate splits an advanced-template string into argv
// tokens, honoring single and double quotes so a quoted value may
// contain spaces (e.g. a -vf filter graph), plus a minimal `\"` escape
// inside double-quoted text so a literal quote can appear in a token.
func tokenizeTemplate(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote rune
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == '"' && r == '\\' && i+1 < len(runes) && runes[i+1] == '"':
			cur.WriteRune('"')
			i++
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			inToken = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}

// BasePresets defines the core built-in presets.
var BasePresets = []struct {
	ID          string
	Name        string
	Description string
	Codec       Codec
	MaxHeight   int
}{
	{"compress-hevc", "Compress (HEVC)", "Reduce size with HEVC encoding", CodecHEVC, 0},
	{"compress-av1", "Compress (AV1)", "Maximum compression with AV1 encoding", CodecAV1, 0},
	{"1080p", "Downscale to 1080p", "Downscale to 1080p max (HEVC)", CodecHEVC, 1080},
	{"720p", "Downscale to 720p", "Downscale to 720p (big savings)", CodecHEVC, 720},
	{"compress-vp9", "Compress (VP9/WebM)", "Maximum-compatibility web container", CodecVP9, 0},
}

// GeneratePresets creates presets using the best available encoder for
// each codec, falling back to software when no hardware encoder exists.
func GeneratePresets() map[string]*Preset {
	presets := make(map[string]*Preset)
	for _, base := range BasePresets {
		encoder := HWAccelNone
		if best := GetBestEncoderForCodec(base.Codec); best != nil {
			encoder = best.Accel
		}
		presets[base.ID] = &Preset{
			ID:          base.ID,
			Name:        base.Name,
			Description: base.Description,
			Encoder:     encoder,
			Codec:       base.Codec,
			MaxHeight:   base.MaxHeight,
		}
	}
	return presets
}

var generatedPresets map[string]*Preset
var presetsInitialized bool

// InitPresets initializes presets based on available encoders. Must be
// called after DetectEncoders.
func InitPresets() {
	generatedPresets = GeneratePresets()
	presetsInitialized = true
}

// GetPreset returns a preset by ID, falling back to a software-only
// definition if InitPresets hasn't run yet.
func GetPreset(id string) *Preset {
	if !presetsInitialized {
		return getSoftwarePreset(id)
	}
	if p, ok := generatedPresets[id]; ok {
		return p
	}
	return getSoftwarePreset(id)
}

func getSoftwarePreset(id string) *Preset {
	for _, base := range BasePresets {
		if base.ID == id {
			return &Preset{
				ID:          base.ID,
				Name:        base.Name,
				Description: base.Description,
				Encoder:     HWAccelNone,
				Codec:       base.Codec,
				MaxHeight:   base.MaxHeight,
			}
		}
	}
	return nil
}

// ListPresets returns every built-in preset, in declaration order.
func ListPresets() []*Preset {
	var result []*Preset
	for _, base := range BasePresets {
		if p := GetPreset(base.ID); p != nil {
			result = append(result, p)
		}
	}
	return result
}
