package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/shrinklab/ffengine/internal/api"
	"github.com/shrinklab/ffengine/internal/config"
	"github.com/shrinklab/ffengine/internal/ffmpeg"
	"github.com/shrinklab/ffengine/internal/jobs"
	"github.com/shrinklab/ffengine/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config/ffengine.json)")
	port := flag.Int("port", 8080, "Port to listen on")
	mediaPath := flag.String("media", "", "Override media path from config")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/ffengine.json"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("warning: could not load config from %s: %v", cfgPath, err)
		cfg = config.DefaultConfig()
	}

	if envMedia := os.Getenv("MEDIA_PATH"); envMedia != "" {
		cfg.MediaPath = envMedia
	}
	if *mediaPath != "" {
		cfg.MediaPath = *mediaPath
	}
	if _, err := os.Stat(cfg.MediaPath); os.IsNotExist(err) {
		log.Fatalf("media path does not exist: %s", cfg.MediaPath)
	}

	if envSidecar := os.Getenv("FFUI_QUEUE_STATE_SIDECAR_PATH"); envSidecar != "" {
		cfg.SidecarPath = envSidecar
	}
	if cfg.SidecarPath == "" {
		configDir := filepath.Dir(cfgPath)
		if configDir == "." {
			configDir = "config"
		}
		cfg.SidecarPath = filepath.Join(configDir, "queue-state.json")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SidecarPath), 0755); err != nil {
		log.Printf("warning: could not create config directory: %v", err)
	}

	logger.Init(cfg.LogLevel)

	// A real terminal gets the box-drawing banner; a pipe or log
	// collector gets plain lines it won't mangle.
	banner := isatty.IsTerminal(os.Stdout.Fd())
	printBanner(banner, cfg, cfgPath)

	ffmpeg.DetectEncoders(cfg.FFmpegPath)
	ffmpeg.InitPresets()
	printEncoders(banner)

	markerPath := filepath.Join(filepath.Dir(cfg.SidecarPath), "shutdown-marker.json")
	marker, err := jobs.ReadShutdownMarker(markerPath)
	if err != nil {
		log.Printf("warning: could not read shutdown marker: %v", err)
	}

	state, recovery, err := jobs.Recover(cfg.SidecarPath, cfg.GetTempDir(cfg.MediaPath), cfg.FFprobePath, marker)
	if err != nil {
		log.Fatalf("failed to recover job state: %v", err)
	}
	logger.Info("recovered job state",
		"restored", recovery.Restored, "resumed", recovery.Resumed,
		"reset", recovery.Reset, "clean_shutdown", recovery.Clean,
		"session", recovery.Session, "startup_auto_paused", recovery.StartupAutoPaused)

	if err := jobs.WriteShutdownMarker(markerPath, jobs.MarkerRunning, nil); err != nil {
		log.Printf("warning: could not write shutdown marker: %v", err)
	}

	persistence := jobs.NewPersistence(cfg.SidecarPath)
	persistence.Start()
	state.SubscribeDelta(func(jobs.Delta) {
		persistence.Save(state.Snapshot())
	})

	runner := jobs.NewRunner(cfg, state)
	scanner := jobs.NewScanner(state, ffmpeg.NewProber(cfg.FFprobePath))

	caps := concurrencyCaps(cfg)
	window := jobs.ScheduleWindow{
		Enabled:   cfg.ScheduleEnabled,
		StartHour: cfg.ScheduleStartHour,
		EndHour:   cfg.ScheduleEndHour,
	}
	pool := jobs.NewWorkerPool(state, caps, window, classifyPreset, runner.Run, cfg.Workers)
	pool.Start()

	handler := api.NewHandler(state, pool, scanner, cfg, cfgPath)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	fmt.Printf("  Starting server on port %d\n\n  Press Ctrl+C to stop\n\n", *port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\n  Shutting down...")

		var processingIDs []string
		for _, j := range state.GetAll() {
			if j.Status == jobs.StatusProcessing {
				processingIDs = append(processingIDs, j.ID)
			}
		}

		pool.Stop()
		state.Shutdown()
		persistence.Save(state.Snapshot())
		persistence.Stop()

		markerKind := jobs.MarkerClean
		if len(processingIDs) > 0 {
			markerKind = jobs.MarkerCleanAutoWait
		}
		if err := jobs.WriteShutdownMarker(markerPath, markerKind, processingIDs); err != nil {
			log.Printf("warning: could not write shutdown marker: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulStopTimeout)
		defer cancel()
		server.Shutdown(ctx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	fmt.Println("  Goodbye!")
}

// classifyPreset maps a preset to the resource class its encoder
// consumes, for the scheduler's split concurrency caps.
func classifyPreset(presetID string) jobs.ResourceClass {
	preset := ffmpeg.GetPreset(presetID)
	if preset != nil && preset.Encoder != ffmpeg.HWAccelNone {
		return jobs.ClassHardware
	}
	return jobs.ClassCPU
}

func concurrencyCaps(cfg *config.Config) jobs.ConcurrencyCaps {
	if cfg.ConcurrencyMode == "split" {
		return jobs.ConcurrencyCaps{CPU: cfg.CPUCap, Hardware: cfg.HardwareCap}
	}
	return jobs.ConcurrencyCaps{Unified: jobs.ClampWorkerCount(cfg.Workers)}
}

func printBanner(pretty bool, cfg *config.Config, cfgPath string) {
	if pretty {
		fmt.Println("╔═══════════════════════════════════════════════════════════╗")
		fmt.Println("║                         FFENGINED                         ║")
		fmt.Println("║          Unattended video transcoding queue engine         ║")
		fmt.Println("╚═══════════════════════════════════════════════════════════╝")
		fmt.Println()
	} else {
		fmt.Println("ffengined starting")
	}
	fmt.Printf("  Media path:   %s\n", cfg.MediaPath)
	fmt.Printf("  Config:       %s\n", cfgPath)
	fmt.Printf("  Sidecar:      %s\n", cfg.SidecarPath)
	if cfg.TempPath != "" {
		fmt.Printf("  Temp path:    %s\n", cfg.TempPath)
	} else {
		fmt.Printf("  Temp path:    (same as source)\n")
	}
	fmt.Printf("  Workers:      %d\n", cfg.Workers)
	fmt.Printf("  Original:     %s\n", cfg.OriginalHandling)
	fmt.Println()
}

func printEncoders(pretty bool) {
	best := ffmpeg.GetBestEncoder()
	fmt.Println("  Encoders:")
	for _, enc := range ffmpeg.ListAvailableEncoders() {
		if !enc.Available {
			continue
		}
		marker := "  "
		if pretty && best != nil && enc.Accel == best.Accel {
			marker = "* "
		}
		fmt.Printf("    %s%s (%s)\n", marker, enc.Name, enc.Encoder)
	}
	fmt.Println()
}
