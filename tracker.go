package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

var (
	// ErrTrackerExited is returned when the tracker process has stopped
	// producing responses.
	ErrTrackerExited = errors.New("tracker process exited")

	// ErrTrackerTimeout is returned when a frame gets no response in time.
	ErrTrackerTimeout = errors.New("tracker response timeout")
)

// DetectionSource yields tracked detections for an admitted frame.
type DetectionSource interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
	Close() error
}

// SubprocessTracker runs an external detector/tracker (for example a YOLO
// tracking script) and exchanges length-prefixed msgpack messages with it
// over stdin/stdout. Requests and responses are strictly ordered; responses
// for older sequence numbers are discarded.
type SubprocessTracker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// writeMu keeps a write abandoned on timeout from interleaving with
	// the next frame's write.
	writeMu sync.Mutex

	responses chan trackResponse
	timeout   time.Duration
	logger    *slog.Logger

	// readers tracks the stdout and stderr goroutines; Wait must not run
	// before they finish reading.
	readers   sync.WaitGroup
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

// StartSubprocessTracker spawns command (split on whitespace) and starts
// its stdout and stderr readers.
func StartSubprocessTracker(ctx context.Context, command string, timeout time.Duration, logger *slog.Logger) (*SubprocessTracker, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("tracker command is empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	t := &SubprocessTracker{
		cmd:       exec.CommandContext(ctx, args[0], args[1:]...),
		responses: make(chan trackResponse, 4),
		timeout:   timeout,
		logger:    logger,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}

	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if t.stdout, err = t.cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if t.stderr, err = t.cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := t.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tracker process: %w", err)
	}

	logger.Info("Tracker process spawned", "command", args[0], "pid", t.cmd.Process.Pid)

	t.readers.Add(2)
	go t.readResponses()
	go t.logStderr()

	t.wg.Add(1)
	go t.waitProcess()

	return t, nil
}

// Detect sends frame to the tracker and waits for its detections.
func (t *SubprocessTracker) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	jpeg, err := gocv.IMEncode(gocv.JPEGFileExt, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	req := trackRequest{
		Seq:       frame.Index,
		Width:     frame.Image.Cols(),
		Height:    frame.Image.Rows(),
		FrameData: jpeg.GetBytes(),
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		defer jpeg.Close()
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		writeErr <- writeMessage(t.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return nil, fmt.Errorf("failed to write to tracker stdin: %w", err)
		}
	case <-t.exited:
		return nil, ErrTrackerExited
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: stdin write for frame %d", ErrTrackerTimeout, frame.Index)
	}

	for {
		select {
		case resp, ok := <-t.responses:
			if !ok {
				return nil, ErrTrackerExited
			}
			if resp.Seq < frame.Index {
				t.logger.Debug("Discarding stale tracker response",
					"response_seq", resp.Seq,
					"frame_index", frame.Index)
				continue
			}
			if resp.Seq > frame.Index {
				return nil, fmt.Errorf("tracker response out of order: got seq %d, want %d", resp.Seq, frame.Index)
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("tracker error for frame %d: %s", frame.Index, resp.Error)
			}
			return resp.toDetections(frame.Index), nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: frame %d", ErrTrackerTimeout, frame.Index)
		}
	}
}

func (t *SubprocessTracker) readResponses() {
	defer t.readers.Done()
	defer close(t.responses)

	r := bufio.NewReader(t.stdout)
	for {
		var resp trackResponse
		if err := readMessage(r, &resp); err != nil {
			if errors.Is(err, io.EOF) {
				t.logger.Debug("Tracker stdout closed (EOF)")
			} else {
				t.logger.Error("Failed to read tracker response", "error", err)
			}
			return
		}
		select {
		case t.responses <- resp:
		case <-t.done:
			return
		}
	}
}

// logStderr forwards tracker stderr lines, mapping Python-style level tags.
func (t *SubprocessTracker) logStderr() {
	defer t.readers.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			t.logger.Error("tracker", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			t.logger.Warn("tracker", "log", line)
		default:
			t.logger.Debug("tracker", "log", line)
		}
	}
}

func (t *SubprocessTracker) waitProcess() {
	defer t.wg.Done()
	t.readers.Wait()
	err := t.cmd.Wait()
	close(t.exited)
	if err != nil {
		t.logger.Warn("Tracker process exited", "error", err)
		return
	}
	t.logger.Debug("Tracker process exited")
}

// Close closes stdin, giving the tracker a chance to exit, and kills it
// if it is still running after the grace period.
func (t *SubprocessTracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()
		close(t.done)

		select {
		case <-t.exited:
		case <-time.After(2 * time.Second):
			t.logger.Warn("Tracker did not exit after stdin close, killing", "pid", t.cmd.Process.Pid)
			if killErr := t.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = fmt.Errorf("failed to kill tracker: %w", killErr)
			}
		}
		t.wg.Wait()
	})
	return err
}

// ReplaySource reads recorded tracker responses from a file and serves
// them by frame index. Frames with no recorded response get no detections.
type ReplaySource struct {
	f       *os.File
	r       *bufio.Reader
	pending *trackResponse
	eof     bool
}

// OpenReplaySource opens a file of length-prefixed msgpack tracker responses
// ordered by seq.
func OpenReplaySource(path string) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open detections file: %w", err)
	}
	return &ReplaySource{f: f, r: bufio.NewReader(f)}, nil
}

// Detect returns the recorded detections for frame.Index.
func (s *ReplaySource) Detect(_ context.Context, frame Frame) ([]Detection, error) {
	for {
		if s.pending == nil {
			if s.eof {
				return nil, nil
			}
			var resp trackResponse
			if err := readMessage(s.r, &resp); err != nil {
				if errors.Is(err, io.EOF) {
					s.eof = true
					return nil, nil
				}
				return nil, err
			}
			s.pending = &resp
		}

		switch {
		case s.pending.Seq < frame.Index:
			s.pending = nil
		case s.pending.Seq > frame.Index:
			return nil, nil
		default:
			resp := *s.pending
			s.pending = nil
			return resp.toDetections(frame.Index), nil
		}
	}
}

// Close closes the replay file.
func (s *ReplaySource) Close() error {
	return s.f.Close()
}
