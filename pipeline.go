package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline wires capture, detection, recognition, the audit log and the
// display into one frame loop.
//
// Frames are consumed strictly in order by a single goroutine. Recognition
// runs inline (sync mode) or on the recorder's workers (async mode). Shutdown
// drains recognition before the audit log is closed so every recorded plate
// has its line.
type Pipeline struct {
	cfg     *Config
	session uuid.UUID
	logger  *slog.Logger
	metrics *PipelineMetrics

	capture    *FrameCapture
	source     DetectionSource
	recognizer Recognizer
	cache      *TrackCache
	audit      *AuditLog
	recorder   *Recorder
	renderer   *Renderer
	publisher  *PlatePublisher

	metricsInterval time.Duration
	closeOnce       sync.Once
}

// NewPipeline opens every resource the session needs. Failing to open the
// audit log, the video, the detection source or the recognizer is fatal;
// an unreachable MQTT broker is not.
//
// The caller must call Close on the returned Pipeline.
func NewPipeline(ctx context.Context, cfg *Config, session uuid.UUID, logger *slog.Logger) (*Pipeline, error) {
	palette, err := cfg.Palette()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:             cfg,
		session:         session,
		logger:          logger,
		metrics:         &PipelineMetrics{},
		cache:           NewTrackCache(),
		metricsInterval: 30 * time.Second,
	}

	if p.audit, err = OpenAuditLog(cfg.Audit.Dir, time.Now()); err != nil {
		return nil, err
	}
	logger.Info("Audit log opened", "path", p.audit.Path())

	workers := cfg.Recognition.Workers
	if workers <= 0 {
		workers = 1
		if cfg.Recognition.Mode == RecognitionAsync {
			workers = defaultWorkerCount()
		}
	}

	recognizer, err := NewTesseractRecognizer(RecognizerConfig{
		Language:      cfg.Recognition.Language,
		Whitelist:     cfg.Recognition.Whitelist,
		MinConfidence: cfg.Recognition.Confidence,
		Workers:       workers,
		Preprocess:    cfg.Recognition.Preprocess,
		PlateHeight:   cfg.Recognition.PlateHeight,
	}, logger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	p.recognizer = recognizer

	if cfg.Detector.Tracker != "" {
		p.source, err = StartSubprocessTracker(ctx, cfg.Detector.Tracker, cfg.Detector.Timeout, logger)
	} else {
		p.source, err = OpenReplaySource(cfg.Detector.Detections)
	}
	if err != nil {
		p.Close()
		return nil, err
	}

	p.capture, err = OpenFrameCapture(CaptureConfig{
		Source: cfg.Video.Source,
		Every:  cfg.Video.Every,
		Size:   cfg.FrameSize(),
	}, p.metrics, logger)
	if err != nil {
		p.Close()
		return nil, err
	}

	var sinks []PlateSink
	if cfg.MQTT.Broker != "" {
		p.publisher = NewPlatePublisher(PublisherConfig{
			Broker: cfg.MQTT.Broker,
			Topic:  cfg.MQTT.Topic,
			QoS:    byte(cfg.MQTT.QoS),
		}, session, logger)
		if err := p.publisher.Connect(); err != nil {
			logger.Warn("MQTT broker unavailable, plate events will fail until it connects", "error", err)
		}
		sinks = append(sinks, p.publisher)
	}

	p.recorder, err = NewRecorder(RecorderConfig{
		TargetClass: cfg.Detector.Class,
		Policy: RetryPolicy{
			MaxAttempts:   cfg.Recognition.MaxAttempts,
			RetryInterval: cfg.Recognition.RetryInterval,
		},
		RecognitionTimeout: cfg.Recognition.Timeout,
		Mode:               cfg.Recognition.Mode,
		Workers:            workers,
	}, p.cache, p.recognizer, p.audit, sinks, p.metrics, logger)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.renderer = NewRenderer(palette, cfg.Display.Headless, "Plate Recorder", 1)

	logger.Debug("Pipeline initialized",
		"recognition_mode", cfg.Recognition.Mode,
		"recognition_workers", workers,
		"frame_size", cfg.FrameSize(),
		"headless", cfg.Display.Headless,
		"mqtt_enabled", p.publisher != nil)

	return p, nil
}

// Run processes frames until the video ends, the quit key is pressed or ctx
// is cancelled. Async recognitions already queued are finished before Run
// returns.
func (p *Pipeline) Run(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportMetrics(loopCtx)
	}()

	// Workers get the outer context so queued crops are still read after
	// the frame loop stops at end of video.
	p.recorder.Start(ctx)

	quit := false
	for frame := range p.capture.Frames(loopCtx) {
		if quit {
			frame.Image.Close()
			continue
		}
		if p.processFrame(loopCtx, frame) {
			p.logger.Info("Quit requested from display window")
			quit = true
			stop()
		}
	}

	p.recorder.Stop()
	stop()
	wg.Wait()

	p.logSummary()
	return nil
}

// processFrame runs one admitted frame through detection, the recorder and
// the display. It reports whether the user asked to quit.
func (p *Pipeline) processFrame(ctx context.Context, frame Frame) bool {
	defer frame.Image.Close()

	dets, err := p.source.Detect(ctx, frame)
	if err != nil {
		p.metrics.detectionErrors.Add(1)
		p.logger.Warn("Detection failed, showing frame without detections",
			"frame_index", frame.Index,
			"error", err)
		dets = nil
	}

	overlays := p.recorder.Process(ctx, frame, dets)
	p.renderer.Draw(&frame.Image, overlays)
	return p.renderer.Show(frame.Image)
}

func (p *Pipeline) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(p.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Metrics reporting stopped")
			return
		case <-ticker.C:
			args := p.metrics.Snapshot().logArgs()
			args = append(args,
				"tracks_recorded", p.cache.Len(),
				"tracks_pending", p.recorder.Pending(),
				"audit_lines", p.audit.Lines(),
				"recognizer_circuit", p.recorder.CircuitState(),
				"stream_circuit", p.capture.CircuitState(),
				"last_frame_age_ms", p.metrics.LastFrameAge().Milliseconds())
			p.logger.Debug("Pipeline metrics report", args...)

			if p.recorder.CircuitState() == CircuitOpen {
				p.logger.Warn("Recognizer circuit open, plates stay pending",
					"tracks_pending", p.recorder.Pending())
			}
		}
	}
}

func (p *Pipeline) logSummary() {
	args := p.metrics.Snapshot().logArgs()
	args = append(args,
		"tracks_recorded", p.cache.Len(),
		"tracks_pending", p.recorder.Pending(),
		"audit_lines", p.audit.Lines(),
		"audit_log", p.audit.Path())
	if p.publisher != nil {
		stats := p.publisher.Stats()
		args = append(args, "events_published", stats.Published, "event_errors", stats.Errors)
	}
	p.logger.Info("Session summary", args...)
}

// Close releases all resources. It is safe to call more than once and on a
// partially constructed Pipeline.
func (p *Pipeline) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		if p.recorder != nil {
			p.recorder.Stop()
		}
		if p.source != nil {
			if err := p.source.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close detection source: %w", err))
			}
		}
		if p.recognizer != nil {
			if err := p.recognizer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close recognizer: %w", err))
			}
		}
		if p.capture != nil {
			if err := p.capture.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if p.renderer != nil {
			if err := p.renderer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close window: %w", err))
			}
		}
		if p.publisher != nil {
			p.publisher.Disconnect()
		}
		if p.audit != nil {
			if err := p.audit.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.logger.Debug("Pipeline cleanup completed")
	})
	return errors.Join(errs...)
}
