// Package main implements a Stream Plate Recorder CLI application that reads
// license plates from tracked vehicle detections in a video.
//
// Each admitted frame is sent to an object tracker, plate crops of tracks
// that have no plate yet are read with Tesseract OCR, and the first
// non-empty reading per track is cached for the rest of the session and
// written once to a timestamped audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
)

// parseFlags parses command-line arguments and returns the application configuration.
// Flags given on the command line take precedence over the -config file.
func parseFlags() (*Config, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("std", flag.ContinueOnError)

	cfg := defaultConfig()

	fs.StringVar(&cfg.ConfigPath, "config", "", "Optional YAML configuration file")
	fs.StringVar(&cfg.Video.Source, "video", cfg.Video.Source, "Video file, camera index or RTSP/HTTP(S) stream (required)")
	fs.IntVar(&cfg.Video.Every, "every", cfg.Video.Every, "Process one frame in every N")
	fs.IntVar(&cfg.Video.Width, "width", cfg.Video.Width, "Processing frame width (0 keeps the native size)")
	fs.IntVar(&cfg.Video.Height, "height", cfg.Video.Height, "Processing frame height (0 keeps the native size)")

	fs.StringVar(&cfg.Detector.Tracker, "tracker", cfg.Detector.Tracker, "Tracker command line speaking the msgpack frame protocol")
	fs.StringVar(&cfg.Detector.Detections, "detections", cfg.Detector.Detections, "Recorded tracker responses to replay instead of -tracker")
	fs.StringVar(&cfg.Detector.Class, "class", cfg.Detector.Class, "Detector class label that carries plates")
	fs.DurationVar(&cfg.Detector.Timeout, "tracker-timeout", cfg.Detector.Timeout, "Per-frame tracker response timeout")

	fs.StringVar(&cfg.Recognition.Language, "lang", cfg.Recognition.Language, "Tesseract language codes (comma-separated)")
	fs.StringVar(&cfg.Recognition.Whitelist, "whitelist", cfg.Recognition.Whitelist, "Characters Tesseract may output (empty allows all)")
	fs.Float64Var(&cfg.Recognition.Confidence, "confidence", cfg.Recognition.Confidence, "Minimum OCR word confidence (0 keeps all text)")
	fs.StringVar(&cfg.Recognition.Preprocess, "preprocess", cfg.Recognition.Preprocess, "Plate preprocessing: gocv or imaging")
	fs.StringVar(&cfg.Recognition.Mode, "mode", cfg.Recognition.Mode, "Recognition mode: sync or async")
	fs.IntVar(&cfg.Recognition.Workers, "workers", cfg.Recognition.Workers, "Recognition workers (0 picks a default)")
	fs.DurationVar(&cfg.Recognition.Timeout, "recognition-timeout", cfg.Recognition.Timeout, "Bound on one recognition call (0 disables)")
	fs.IntVar(&cfg.Recognition.MaxAttempts, "max-attempts", cfg.Recognition.MaxAttempts, "Recognition attempts per track before giving up (0 is unlimited)")
	fs.Int64Var(&cfg.Recognition.RetryInterval, "retry-interval", cfg.Recognition.RetryInterval, "Raw stream frames (counted before -every) to wait between attempts for the same track")

	fs.StringVar(&cfg.Audit.Dir, "log-dir", cfg.Audit.Dir, "Directory for the plates audit log")
	fs.StringVar(&cfg.LogFormat, "logfmt", cfg.LogFormat, "Log format: json or kv")
	fs.BoolVar(&cfg.Display.Headless, "headless", cfg.Display.Headless, "Do not open a display window")

	fs.StringVar(&cfg.MQTT.Broker, "mqtt-broker", cfg.MQTT.Broker, "MQTT broker for plate events (empty disables publishing)")
	fs.StringVar(&cfg.MQTT.Topic, "mqtt-topic", cfg.MQTT.Topic, "MQTT topic for plate events")
	fs.IntVar(&cfg.MQTT.QoS, "mqtt-qos", cfg.MQTT.QoS, "MQTT QoS for plate events")

	args := os.Args[1:]
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigPath != "" {
		path := cfg.ConfigPath
		if err := loadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
		// Parsing again re-applies only the flags that were given, so they
		// win over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		cfg.ConfigPath = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	config, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	session := uuid.New()
	logger := setupLogger(config.LogFormat).With("session_id", session.String())
	slog.SetDefault(logger)

	logger.Info("Starting Stream Plate Recorder",
		"video", config.Video.Source,
		"every", config.Video.Every,
		"tracker", config.Detector.Tracker,
		"detections", config.Detector.Detections,
		"class", config.Detector.Class,
		"language", config.Recognition.Language,
		"mode", config.Recognition.Mode,
		"max_attempts", config.Recognition.MaxAttempts,
		"retry_interval", config.Recognition.RetryInterval,
		"log_dir", config.Audit.Dir,
		"log_format", config.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	pipeline, err := NewPipeline(ctx, config, session, logger)
	if err != nil {
		logger.Error("Failed to create pipeline", "error", err)
		os.Exit(1)
	}

	runErr := pipeline.Run(ctx)
	if err := pipeline.Close(); err != nil {
		logger.Error("Failed to close pipeline", "error", err)
	}
	if runErr != nil {
		logger.Error("Pipeline failed", "error", runErr)
		os.Exit(1)
	}

	logger.Info("Stream Plate Recorder stopped")
}
