package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize rejects corrupt length prefixes before allocating.
const maxMessageSize = 64 << 20

// ErrMessageTooLarge is returned for a length prefix above maxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// trackRequest is sent to the tracker process for every admitted frame.
type trackRequest struct {
	Seq       int64  `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	FrameData []byte `msgpack:"frame_data"` // JPEG
}

// trackResponse carries the tracked detections for one frame. The same
// record is the unit of a replay file.
type trackResponse struct {
	Seq        int64           `msgpack:"seq"`
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error,omitempty"`
}

type wireDetection struct {
	Box   [4]int `msgpack:"box"` // x1, y1, x2, y2
	Label string `msgpack:"label"`
	// TrackID is nil when the tracker has not assigned an identity yet.
	TrackID *int64 `msgpack:"track_id"`
}

// toDetections converts wire detections for frame, dropping untracked ones.
func (r trackResponse) toDetections(frame int64) []Detection {
	dets := make([]Detection, 0, len(r.Detections))
	for _, wd := range r.Detections {
		if wd.TrackID == nil {
			continue
		}
		dets = append(dets, Detection{
			Box:     Box{X1: wd.Box[0], Y1: wd.Box[1], X2: wd.Box[2], Y2: wd.Box[3]},
			Label:   wd.Label,
			TrackID: TrackID(*wd.TrackID),
			Frame:   frame,
		})
	}
	return dets
}

// writeMessage writes v as msgpack with a 4-byte big-endian length prefix.
// Prefix and payload go out in a single Write.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return ErrMessageTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write msgpack message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
// It returns io.EOF only when the stream ends cleanly between messages.
func readMessage(r io.Reader, v any) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
