package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds every operator-tunable setting. Persisted as flat JSON
// rather than YAML: the struct's fields sit at the top level of the
// file next to a settings_version field, with no {version, settings}
// wrapper, and an older file is not rewritten when it is loaded.
type Config struct {
	SettingsVersion int `json:"settings_version"`

	// MediaPath is the root directory the batch scanner walks.
	MediaPath string `json:"media_path"`

	// TempPath is where working segment files are written during
	// transcoding. If empty, temp files go beside the source file.
	TempPath string `json:"temp_path"`

	// OriginalHandling: "replace" (delete original) or "keep" (rename
	// original to .old).
	OriginalHandling string `json:"original_handling"`

	// Workers is the number of worker goroutines.
	Workers int `json:"workers"`

	// ConcurrencyMode is "unified" (Workers shares one cap) or "split"
	// (CPUCap/HardwareCap apply independently per resource class).
	ConcurrencyMode string `json:"concurrency_mode"`
	CPUCap          int    `json:"cpu_cap"`
	HardwareCap     int    `json:"hardware_cap"`

	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`

	// SidecarPath is where the job/batch/preset-stats persistence
	// envelope is written. Overridable via
	// FFUI_QUEUE_STATE_SIDECAR_PATH.
	SidecarPath string `json:"sidecar_path"`

	QualityHEVC int `json:"quality_hevc"`
	QualityAV1  int `json:"quality_av1"`

	ScheduleEnabled   bool `json:"schedule_enabled"`
	ScheduleStartHour int  `json:"schedule_start_hour"`
	ScheduleEndHour   int  `json:"schedule_end_hour"`

	LogLevel string `json:"log_level"`

	KeepLargerFiles bool `json:"keep_larger_files"`
	AllowSameCodec  bool `json:"allow_same_codec"`

	// DefaultPresetID is the preset a batch scan applies to every file
	// it enqueues; there is no per-file preset choice in a scan, unlike
	// the manual enqueue path.
	DefaultPresetID string `json:"default_preset_id"`

	// OutputFormat is the default container for structured presets
	// that don't set their own: "mkv" or "webm".
	OutputFormat string `json:"output_format"`

	PreserveFileTimes bool `json:"preserve_file_times"`

	// ResumeBacktrackSeconds is subtracted from the last recorded
	// progress position before a resume re-seeks, clamped [0,30], to
	// re-encode a small overlap rather than risk a gap at the seam.
	ResumeBacktrackSeconds float64 `json:"resume_backtrack_seconds"`

	// GracefulStopTimeout bounds how long shutdown waits for the HTTP
	// server to close after SIGINT. It is a config field rather than a
	// hardcoded constant; encoder processes are not force-killed when it
	// expires.
	GracefulStopTimeout time.Duration `json:"graceful_stop_timeout"`

	FullSnapshotEvents bool `json:"full_snapshot_events"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SettingsVersion:        1,
		MediaPath:              "/media",
		OriginalHandling:       "replace",
		Workers:                1,
		ConcurrencyMode:        "unified",
		CPUCap:                 1,
		HardwareCap:            2,
		FFmpegPath:             "ffmpeg",
		FFprobePath:            "ffprobe",
		SidecarPath:            "/config/queue-state.json",
		QualityHEVC:            0,
		QualityAV1:             0,
		ScheduleEnabled:        false,
		ScheduleStartHour:      22,
		ScheduleEndHour:        6,
		LogLevel:               "info",
		DefaultPresetID:        "compress-hevc",
		OutputFormat:           "mkv",
		PreserveFileTimes:      true,
		ResumeBacktrackSeconds: 2,
		GracefulStopTimeout:    30 * time.Second,
	}
}

// Load reads config from a JSON file, applying defaults for missing
// values. A missing file is not an error: a fresh default config is
// written and returned, matching first-run behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(path); saveErr != nil {
				fmt.Fprintf(os.Stderr, "warning: could not create config file: %v\n", saveErr)
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "mkv"
	}
	if c.ConcurrencyMode == "" {
		c.ConcurrencyMode = "unified"
	}
	if c.DefaultPresetID == "" {
		c.DefaultPresetID = "compress-hevc"
	}
	if c.ResumeBacktrackSeconds < 0 {
		c.ResumeBacktrackSeconds = 0
	}
	if c.ResumeBacktrackSeconds > 30 {
		c.ResumeBacktrackSeconds = 30
	}
	if c.GracefulStopTimeout <= 0 {
		c.GracefulStopTimeout = 30 * time.Second
	}
	if c.SettingsVersion == 0 {
		c.SettingsVersion = 1
	}
}

// Save writes the config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetTempDir returns the directory for temp files: TempPath if set,
// otherwise the source file's own directory.
func (c *Config) GetTempDir(sourcePath string) string {
	if c.TempPath != "" {
		return c.TempPath
	}
	return filepath.Dir(sourcePath)
}
