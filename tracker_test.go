package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

// helperTrackerCommand re-runs the test binary as a fake tracker.
func helperTrackerCommand(t *testing.T, mode string) string {
	t.Helper()
	t.Setenv("PLATE_RECORDER_HELPER_TRACKER", mode)
	return fmt.Sprintf("%s -test.run=^TestHelperTrackerProcess$", os.Args[0])
}

// TestHelperTrackerProcess is not a real test. It answers each frame with
// one plate detection whose track id is the frame's seq.
func TestHelperTrackerProcess(t *testing.T) {
	mode := os.Getenv("PLATE_RECORDER_HELPER_TRACKER")
	if mode == "" {
		return
	}
	defer os.Exit(0)

	if mode == "slow" {
		// Leave the first frame stuck in the pipe past the caller's timeout.
		time.Sleep(1200 * time.Millisecond)
	}

	in := bufio.NewReader(os.Stdin)
	for {
		var req trackRequest
		if err := readMessage(in, &req); err != nil {
			return
		}
		fmt.Fprintf(os.Stderr, "[INFO] frame %d %dx%d\n", req.Seq, req.Width, req.Height)

		switch mode {
		case "silent":
			continue
		case "exit":
			return
		case "error":
			writeMessage(os.Stdout, trackResponse{Seq: req.Seq, Error: "model not loaded"})
			continue
		}

		id := req.Seq
		resp := trackResponse{
			Seq: req.Seq,
			Detections: []wireDetection{
				{Box: [4]int{100, 200, 220, 240}, Label: "numberplate", TrackID: &id},
				{Box: [4]int{0, 0, 50, 50}, Label: "car"},
			},
		}
		if err := writeMessage(os.Stdout, resp); err != nil {
			return
		}
	}
}

func TestSubprocessTrackerDetect(t *testing.T) {
	tracker, err := StartSubprocessTracker(context.Background(), helperTrackerCommand(t, "echo"), 5*time.Second, discardLogger())
	if err != nil {
		t.Fatalf("StartSubprocessTracker() error = %v", err)
	}
	defer tracker.Close()

	for _, idx := range []int64{3, 6, 9} {
		frame := newTestFrame(idx)
		dets, err := tracker.Detect(context.Background(), frame)
		frame.Image.Close()
		if err != nil {
			t.Fatalf("frame %d: Detect() error = %v", idx, err)
		}
		if len(dets) != 1 {
			t.Fatalf("frame %d: %d detections, want 1 tracked", idx, len(dets))
		}
		if dets[0].TrackID != TrackID(idx) || dets[0].Frame != idx || dets[0].Label != "numberplate" {
			t.Errorf("frame %d: detection = %+v", idx, dets[0])
		}
	}

	if err := tracker.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestSubprocessTrackerErrors(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr error
	}{
		{mode: "silent", wantErr: ErrTrackerTimeout},
		// An exiting tracker surfaces either as ErrTrackerExited or as a
		// failed stdin write, depending on timing.
		{mode: "exit"},
		{mode: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			tracker, err := StartSubprocessTracker(context.Background(), helperTrackerCommand(t, tt.mode), 300*time.Millisecond, discardLogger())
			if err != nil {
				t.Fatalf("StartSubprocessTracker() error = %v", err)
			}
			defer tracker.Close()

			frame := newTestFrame(3)
			defer frame.Image.Close()

			_, err = tracker.Detect(context.Background(), frame)
			if err == nil {
				t.Fatal("Detect() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Detect() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubprocessTrackerRecoversAfterWriteTimeout(t *testing.T) {
	tracker, err := StartSubprocessTracker(context.Background(), helperTrackerCommand(t, "slow"), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("StartSubprocessTracker() error = %v", err)
	}
	defer tracker.Close()

	// A noisy frame encodes far larger than the pipe buffer, so the write
	// blocks until the tracker starts reading.
	noisy := newTestFrame(3)
	gocv.RandU(&noisy.Image, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(256, 256, 256, 256))
	_, err = tracker.Detect(context.Background(), noisy)
	noisy.Image.Close()
	if !errors.Is(err, ErrTrackerTimeout) {
		t.Fatalf("first Detect() error = %v, want ErrTrackerTimeout", err)
	}

	for _, idx := range []int64{6, 9} {
		frame := newTestFrame(idx)
		dets, err := tracker.Detect(context.Background(), frame)
		frame.Image.Close()
		if err != nil {
			t.Fatalf("frame %d: Detect() error = %v", idx, err)
		}
		if len(dets) != 1 || dets[0].TrackID != TrackID(idx) {
			t.Errorf("frame %d: detections = %+v", idx, dets)
		}
	}
}

func TestStartSubprocessTrackerFailures(t *testing.T) {
	if _, err := StartSubprocessTracker(context.Background(), "   ", time.Second, discardLogger()); err == nil {
		t.Error("empty command: expected error")
	}
	if _, err := StartSubprocessTracker(context.Background(), "/nonexistent/tracker --model x.pt", time.Second, discardLogger()); err == nil {
		t.Error("missing binary: expected error")
	}
}
