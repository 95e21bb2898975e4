package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// TrackState is the lifecycle of one track identity. Transitions only move
// forward; RecognizedAndLogged is terminal.
type TrackState int

const (
	Unseen TrackState = iota
	AwaitingRecognition
	RecognizedAndLogged
)

// String returns a string representation of the TrackState.
func (s TrackState) String() string {
	switch s {
	case Unseen:
		return "UNSEEN"
	case AwaitingRecognition:
		return "AWAITING_RECOGNITION"
	case RecognizedAndLogged:
		return "RECOGNIZED_AND_LOGGED"
	default:
		return "UNKNOWN"
	}
}

const (
	// RecognitionSync runs the engine inside the frame loop.
	RecognitionSync = "sync"
	// RecognitionAsync hands crops to background workers.
	RecognitionAsync = "async"
)

// AuditWriter appends the audit line for a newly inserted record.
type AuditWriter interface {
	Record(rec PlateRecord) error
}

// PlateSink receives newly inserted records after the audit line.
type PlateSink interface {
	Publish(rec PlateRecord) error
}

// RecorderConfig configures the recorder.
type RecorderConfig struct {
	// TargetClass is the detector label that carries plates.
	TargetClass string
	Policy      RetryPolicy
	// RecognitionTimeout bounds one engine call. 0 disables the bound.
	RecognitionTimeout time.Duration
	// Mode is RecognitionSync or RecognitionAsync.
	Mode string
	// Workers is the async worker count.
	Workers int
	// QueueSize is the async job queue capacity.
	QueueSize int
}

type recognitionJob struct {
	det  Detection
	crop gocv.Mat
}

// Recorder drives the per-track state machine: it asks the gate what to do
// with each detection, calls the recognizer when told to, inserts results
// into the cache and, on the Inserted transition only, writes the audit
// line and publishes the record.
type Recorder struct {
	cfg        RecorderConfig
	gate       *Gate
	cache      *TrackCache
	recognizer Recognizer
	audit      AuditWriter
	sinks      []PlateSink
	breaker    *CircuitBreaker
	metrics    *PipelineMetrics
	logger     *slog.Logger

	// mu guards attempts and seen.
	mu       sync.Mutex
	attempts map[TrackID]Attempts
	seen     map[TrackID]struct{}

	inflight *InFlight
	jobs     chan recognitionJob
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder wires the recorder. sinks may be empty.
func NewRecorder(cfg RecorderConfig, cache *TrackCache, recognizer Recognizer, audit AuditWriter, sinks []PlateSink, metrics *PipelineMetrics, logger *slog.Logger) (*Recorder, error) {
	switch cfg.Mode {
	case "":
		cfg.Mode = RecognitionSync
	case RecognitionSync, RecognitionAsync:
	default:
		return nil, fmt.Errorf("unknown recognition mode %q", cfg.Mode)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}

	return &Recorder{
		cfg:        cfg,
		gate:       NewGate(cfg.TargetClass, cfg.Policy),
		cache:      cache,
		recognizer: recognizer,
		audit:      audit,
		sinks:      sinks,
		breaker:    NewCircuitBreaker("recognizer", 5, 10*time.Second, 2, logger),
		metrics:    metrics,
		logger:     logger,
		attempts:   make(map[TrackID]Attempts),
		seen:       make(map[TrackID]struct{}),
		inflight:   NewInFlight(),
		jobs:       make(chan recognitionJob, cfg.QueueSize),
	}, nil
}

// Start launches the async recognition workers. It is a no-op in sync mode.
func (r *Recorder) Start(ctx context.Context) {
	if r.cfg.Mode != RecognitionAsync {
		return
	}
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.runWorker(ctx, id)
		}(i)
	}
	r.logger.Debug("Started recognition workers", "worker_count", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
}

// Stop closes the job queue and waits for queued recognitions to finish,
// so every Inserted record reaches the audit log before it is closed.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.jobs)
		r.wg.Wait()
	})
}

// Process handles all detections of one frame in order and returns what
// the renderer should draw. It never waits for async recognition.
func (r *Recorder) Process(ctx context.Context, frame Frame, dets []Detection) []Overlay {
	bounds := frame.Bounds()
	overlays := make([]Overlay, 0, len(dets))

	for _, det := range dets {
		r.metrics.detections.Add(1)

		target := r.gate.IsTarget(det.Label)
		if target {
			r.markSeen(det.TrackID)
		}

		v := r.gate.Decide(det, bounds, r.cache, r.attemptsFor(det.TrackID))
		switch v.Decision {
		case Skip:
			r.metrics.skipped.Add(1)
			if v.Reason != ReasonWrongClass {
				r.logger.Debug("Recognition skipped",
					"track_id", det.TrackID,
					"frame_index", det.Frame,
					"reason", v.Reason,
					"box", det.Box)
			}
		case UseCached:
			r.metrics.cacheHits.Add(1)
		case Invoke:
			r.invoke(ctx, frame, det, v.Crop)
		}

		ov := Overlay{
			Box:     det.Box,
			Label:   det.Label,
			TrackID: det.TrackID,
			Target:  target && v.Reason != ReasonEmptyCrop,
		}
		if rec, ok := r.cache.TryGet(det.TrackID); ok {
			ov.Text = rec.Text
			ov.Recognized = true
		}
		overlays = append(overlays, ov)
	}

	return overlays
}

func (r *Recorder) invoke(ctx context.Context, frame Frame, det Detection, crop image.Rectangle) {
	if r.cfg.Mode == RecognitionSync {
		region := frame.Image.Region(crop)
		defer region.Close()
		text, err := r.recognize(ctx, region)
		r.complete(det, text, err)
		return
	}

	if !r.inflight.TryAcquire(det.TrackID) {
		r.logger.Debug("Recognition already in flight", "track_id", det.TrackID, "frame_index", det.Frame)
		return
	}
	// A worker may have inserted this track and released it after Decide
	// read the cache.
	if _, ok := r.cache.TryGet(det.TrackID); ok {
		r.inflight.Release(det.TrackID)
		return
	}

	// The frame is closed after rendering; the job needs its own copy.
	region := frame.Image.Region(crop)
	job := recognitionJob{det: det, crop: region.Clone()}
	region.Close()

	select {
	case r.jobs <- job:
	default:
		job.crop.Close()
		r.inflight.Release(det.TrackID)
		r.metrics.recognitionDropped.Add(1)
		r.logger.Warn("Dropped recognition job due to full queue",
			"track_id", det.TrackID,
			"frame_index", det.Frame,
			"total_dropped", r.metrics.recognitionDropped.Load())
	}
}

func (r *Recorder) runWorker(ctx context.Context, id int) {
	processed := 0
	defer func() {
		r.logger.Debug("Recognition worker stopped", "worker_id", id, "jobs_processed", processed)
	}()

	for job := range r.jobs {
		text, err := r.recognize(ctx, job.crop)
		job.crop.Close()
		r.complete(job.det, text, err)
		// Release only after the cache is updated so the next frame of
		// this track sees UseCached instead of a second Invoke.
		r.inflight.Release(job.det.TrackID)
		processed++
	}
}

// recognize runs one engine call under the timeout and circuit breaker.
func (r *Recorder) recognize(ctx context.Context, crop gocv.Mat) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.cfg.RecognitionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RecognitionTimeout)
		defer cancel()
	}

	var text string
	start := time.Now()
	err := r.breaker.Execute(func() error {
		var err error
		text, err = r.recognizer.Recognize(ctx, crop)
		return err
	})
	if !errors.Is(err, ErrCircuitOpen) {
		r.metrics.recognitionCalls.Add(1)
		r.metrics.UpdateRecognitionTime(time.Since(start))
	}
	return text, err
}

// complete applies one recognition outcome to the track state.
func (r *Recorder) complete(det Detection, text string, err error) {
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
			r.logger.Debug("Recognition not attempted", "track_id", det.TrackID, "reason", err)
			return
		}
		r.recordAttempt(det)
		r.metrics.recognitionErrors.Add(1)
		r.logger.Warn("Recognition failed",
			"track_id", det.TrackID,
			"frame_index", det.Frame,
			"error", err,
			"circuit_state", r.breaker.State())
		return
	}
	r.recordAttempt(det)

	rec, result := r.cache.TryInsert(det.TrackID, text, det.Frame)
	switch result {
	case EmptyText:
		r.metrics.recognitionEmpty.Add(1)
		r.logger.Debug("Plate not recognized yet", "track_id", det.TrackID, "frame_index", det.Frame)
	case AlreadyPresent:
		r.logger.Debug("Plate already recorded", "track_id", det.TrackID, "plate", rec.Text)
	case Inserted:
		r.metrics.platesRecorded.Add(1)
		r.logger.Info("Plate recognized",
			"track_id", rec.TrackID,
			"plate", rec.Text,
			"frame_index", rec.FirstSeenFrame)

		if err := r.audit.Record(rec); err != nil {
			r.metrics.logWriteFailures.Add(1)
			r.logger.Warn("Audit log write failed, plate stays recorded in memory",
				"track_id", rec.TrackID,
				"plate", rec.Text,
				"error", err)
		}
		for _, sink := range r.sinks {
			if err := sink.Publish(rec); err != nil {
				r.metrics.publishFailures.Add(1)
				r.logger.Warn("Plate event publish failed", "track_id", rec.TrackID, "error", err)
			}
		}
	}
}

func (r *Recorder) markSeen(id TrackID) {
	r.mu.Lock()
	r.seen[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Recorder) attemptsFor(id TrackID) Attempts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func (r *Recorder) recordAttempt(det Detection) {
	r.mu.Lock()
	a := r.attempts[det.TrackID]
	a.Count++
	a.LastFrame = det.Frame
	r.attempts[det.TrackID] = a
	r.mu.Unlock()
}

// State reports the lifecycle state of id.
func (r *Recorder) State(id TrackID) TrackState {
	if _, ok := r.cache.TryGet(id); ok {
		return RecognizedAndLogged
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return AwaitingRecognition
	}
	return Unseen
}

// Pending returns the number of target tracks still awaiting recognition.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	seen := make([]TrackID, 0, len(r.seen))
	for id := range r.seen {
		seen = append(seen, id)
	}
	r.mu.Unlock()

	pending := 0
	for _, id := range seen {
		if _, ok := r.cache.TryGet(id); !ok {
			pending++
		}
	}
	return pending
}

// CircuitState reports the recognizer circuit breaker state.
func (r *Recorder) CircuitState() CircuitState {
	return r.breaker.State()
}
