package main

import (
	"sync/atomic"
	"time"
)

// PipelineMetrics tracks session counters. All fields are updated atomically
// from the capture goroutine, the frame loop and the recognition workers.
type PipelineMetrics struct {
	// framesRead counts raw frames decoded from the video source.
	framesRead atomic.Int64
	// framesAdmitted counts frames that passed the decimator.
	framesAdmitted atomic.Int64
	// framesDropped counts admitted frames dropped because the loop fell behind.
	framesDropped atomic.Int64
	// streamErrors counts failed reads from the video source.
	streamErrors atomic.Int64
	// reconnectAttempts counts video source reconnects.
	reconnectAttempts atomic.Int64

	detections      atomic.Int64
	detectionErrors atomic.Int64

	// skipped counts Skip decisions; cacheHits counts UseCached.
	skipped   atomic.Int64
	cacheHits atomic.Int64

	recognitionCalls   atomic.Int64
	recognitionEmpty   atomic.Int64
	recognitionErrors  atomic.Int64
	recognitionDropped atomic.Int64

	platesRecorded   atomic.Int64
	logWriteFailures atomic.Int64
	publishFailures  atomic.Int64

	// avgRecognitionNs is an exponential moving average of engine latency.
	avgRecognitionNs atomic.Int64
	lastFrameTime    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of PipelineMetrics for logging.
type MetricsSnapshot struct {
	FramesRead         int64
	FramesAdmitted     int64
	FramesDropped      int64
	StreamErrors       int64
	ReconnectAttempts  int64
	Detections         int64
	DetectionErrors    int64
	Skipped            int64
	CacheHits          int64
	RecognitionCalls   int64
	RecognitionEmpty   int64
	RecognitionErrors  int64
	RecognitionDropped int64
	PlatesRecorded     int64
	LogWriteFailures   int64
	PublishFailures    int64
	AvgRecognitionMs   float64
}

// Snapshot copies all counters.
func (m *PipelineMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesRead:         m.framesRead.Load(),
		FramesAdmitted:     m.framesAdmitted.Load(),
		FramesDropped:      m.framesDropped.Load(),
		StreamErrors:       m.streamErrors.Load(),
		ReconnectAttempts:  m.reconnectAttempts.Load(),
		Detections:         m.detections.Load(),
		DetectionErrors:    m.detectionErrors.Load(),
		Skipped:            m.skipped.Load(),
		CacheHits:          m.cacheHits.Load(),
		RecognitionCalls:   m.recognitionCalls.Load(),
		RecognitionEmpty:   m.recognitionEmpty.Load(),
		RecognitionErrors:  m.recognitionErrors.Load(),
		RecognitionDropped: m.recognitionDropped.Load(),
		PlatesRecorded:     m.platesRecorded.Load(),
		LogWriteFailures:   m.logWriteFailures.Load(),
		PublishFailures:    m.publishFailures.Load(),
		AvgRecognitionMs:   float64(m.avgRecognitionNs.Load()) / 1e6,
	}
}

// UpdateRecognitionTime folds one engine call latency into the moving average.
func (m *PipelineMetrics) UpdateRecognitionTime(d time.Duration) {
	for {
		current := m.avgRecognitionNs.Load()
		next := d.Nanoseconds()
		if current != 0 {
			// EMA with alpha = 0.1
			next = int64(float64(current)*0.9 + float64(next)*0.1)
		}
		if m.avgRecognitionNs.CompareAndSwap(current, next) {
			return
		}
	}
}

// LastFrameAge returns how long ago the last frame was read.
func (m *PipelineMetrics) LastFrameAge() time.Duration {
	last := m.lastFrameTime.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// logArgs flattens the snapshot into slog key/value pairs.
func (s MetricsSnapshot) logArgs() []any {
	return []any{
		"frames_read", s.FramesRead,
		"frames_admitted", s.FramesAdmitted,
		"frames_dropped", s.FramesDropped,
		"stream_errors", s.StreamErrors,
		"reconnect_attempts", s.ReconnectAttempts,
		"detections", s.Detections,
		"detection_errors", s.DetectionErrors,
		"skipped", s.Skipped,
		"cache_hits", s.CacheHits,
		"recognition_calls", s.RecognitionCalls,
		"recognition_empty", s.RecognitionEmpty,
		"recognition_errors", s.RecognitionErrors,
		"recognition_dropped", s.RecognitionDropped,
		"plates_recorded", s.PlatesRecorded,
		"log_write_failures", s.LogWriteFailures,
		"publish_failures", s.PublishFailures,
		"avg_recognition_ms", s.AvgRecognitionMs,
	}
}
