package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// errStreamRead marks a failed read that may be fixed by reconnecting.
var errStreamRead = errors.New("stream read error")

// Frame is an admitted video frame.
type Frame struct {
	// Image holds the resized frame. The consumer must Close it.
	Image gocv.Mat

	// Index is the 1-based position of the frame in the raw stream,
	// counted before decimation.
	Index int64

	// Timestamp records when the frame was read.
	Timestamp time.Time
}

// Bounds returns the frame rectangle detections are clamped to.
func (f Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Image.Cols(), f.Image.Rows())
}

// CaptureConfig configures FrameCapture.
type CaptureConfig struct {
	Source string
	// Every admits one frame in Every.
	Every int
	// Size is the processing resolution. Zero keeps the native size.
	Size image.Point
	// BufferSize is the admitted frame channel capacity.
	BufferSize int
	// MaxReconnects bounds reconnect attempts for live sources.
	MaxReconnects int
}

// FrameCapture decodes a video file or stream, decimates and resizes frames
// and hands them to the frame loop in order.
type FrameCapture struct {
	cfg     CaptureConfig
	live    bool
	metrics *PipelineMetrics
	breaker *CircuitBreaker
	logger  *slog.Logger

	// mu guards capture across reconnects and Close.
	mu      sync.Mutex
	capture *gocv.VideoCapture
}

// isLiveSource reports whether source is a camera or network stream rather
// than a file. Live sources drop frames when the loop falls behind and are
// reconnected on read errors; files are read to the end without drops.
func isLiveSource(source string) bool {
	if _, err := strconv.Atoi(source); err == nil {
		return true
	}
	lower := strings.ToLower(source)
	for _, scheme := range []string{"rtsp://", "rtsps://", "http://", "https://", "rtmp://", "udp://"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// OpenFrameCapture opens the video source.
func OpenFrameCapture(cfg CaptureConfig, metrics *PipelineMetrics, logger *slog.Logger) (*FrameCapture, error) {
	capture, err := gocv.OpenVideoCapture(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture is not opened: %s", cfg.Source)
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}

	return &FrameCapture{
		cfg:     cfg,
		live:    isLiveSource(cfg.Source),
		metrics: metrics,
		breaker: NewCircuitBreaker("video", 5, 30*time.Second, 3, logger),
		logger:  logger,
		capture: capture,
	}, nil
}

// Frames starts the capture goroutine. The returned channel is closed at
// end of file, on unrecoverable stream failure, or when ctx ends.
func (c *FrameCapture) Frames(ctx context.Context) <-chan Frame {
	out := make(chan Frame, c.cfg.BufferSize)
	go func() {
		defer close(out)
		c.run(ctx, out)
	}()
	return out
}

func (c *FrameCapture) run(ctx context.Context, out chan<- Frame) {
	decimator := NewFrameDecimator(c.cfg.Every)

	img := gocv.NewMat()
	defer img.Close()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Frame capture stopped")
			return
		default:
		}

		err := c.breaker.Execute(func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.capture == nil {
				return fmt.Errorf("%w: capture is closed", errStreamRead)
			}
			if !c.capture.Read(&img) || img.Empty() {
				return errStreamRead
			}
			return nil
		})
		if err != nil {
			if !c.live {
				c.logger.Info("End of video", "frames_read", decimator.Seen())
				return
			}
			c.metrics.streamErrors.Add(1)
			c.logger.Error("Frame capture failed",
				"error", err,
				"circuit_state", c.breaker.State(),
				"stream_errors", c.metrics.streamErrors.Load())

			if c.breaker.State() == CircuitOpen {
				if !c.reconnect(ctx) {
					c.logger.Error("Stream reconnection failed, stopping capture")
					return
				}
				c.breaker.Reset()
			}
			continue
		}

		c.metrics.framesRead.Add(1)
		c.metrics.lastFrameTime.Store(time.Now().UnixNano())

		if !decimator.Admit() {
			continue
		}
		c.metrics.framesAdmitted.Add(1)

		frame := Frame{
			Image:     c.resize(img),
			Index:     decimator.Seen(),
			Timestamp: time.Now(),
		}

		if !c.live {
			select {
			case out <- frame:
			case <-ctx.Done():
				frame.Image.Close()
				return
			}
			continue
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			frame.Image.Close()
			return
		default:
			frame.Image.Close()
			c.metrics.framesDropped.Add(1)
			c.logger.Warn("Dropped frame due to full buffer",
				"frame_index", frame.Index,
				"total_dropped", c.metrics.framesDropped.Load())
		}
	}
}

// resize returns a new Mat at the processing resolution.
func (c *FrameCapture) resize(src gocv.Mat) gocv.Mat {
	if c.cfg.Size.X <= 0 || c.cfg.Size.Y <= 0 {
		return src.Clone()
	}
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, c.cfg.Size, 0, 0, gocv.InterpolationLinear)
	return dst
}

// reconnect reopens a live source with exponential backoff and jitter.
func (c *FrameCapture) reconnect(ctx context.Context) bool {
	const (
		baseDelay = time.Second
		maxDelay  = 30 * time.Second
	)

	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := time.Duration(math.Min(float64(baseDelay)*math.Pow(2, float64(attempt-1)), float64(maxDelay)))
		delay += time.Duration(rand.Int63n(int64(delay / 4)))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		c.metrics.reconnectAttempts.Add(1)
		c.logger.Info("Attempting stream reconnection", "attempt", attempt, "source", c.cfg.Source)

		capture, err := gocv.OpenVideoCapture(c.cfg.Source)
		if err == nil && capture.IsOpened() {
			c.mu.Lock()
			if c.capture != nil {
				c.capture.Close()
			}
			c.capture = capture
			c.mu.Unlock()
			c.logger.Info("Stream reconnection successful", "attempt", attempt)
			return true
		}
		if capture != nil {
			capture.Close()
		}
		c.logger.Warn("Stream reconnection failed, retrying", "attempt", attempt, "error", err, "next_delay", delay*2)
	}
	return false
}

// Close releases the video capture. Call it after the Frames channel is drained.
func (c *FrameCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.capture = nil
	if err != nil {
		return fmt.Errorf("failed to close video capture: %w", err)
	}
	return nil
}

// CircuitState reports the stream circuit breaker state.
func (c *FrameCapture) CircuitState() CircuitState {
	return c.breaker.State()
}
