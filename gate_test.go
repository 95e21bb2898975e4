package main

import (
	"image"
	"testing"
)

// mapCache is a CacheReader backed by a plain map.
type mapCache map[TrackID]PlateRecord

func (m mapCache) TryGet(id TrackID) (PlateRecord, bool) {
	rec, ok := m[id]
	return rec, ok
}

func TestGateDecide(t *testing.T) {
	frame := image.Rect(0, 0, 1020, 600)
	plate := Box{X1: 100, Y1: 200, X2: 220, Y2: 240}
	cached := mapCache{7: {TrackID: 7, Text: "AB123CD", FirstSeenFrame: 12}}

	tests := []struct {
		name       string
		policy     RetryPolicy
		det        Detection
		cache      mapCache
		attempts   Attempts
		want       Decision
		wantReason SkipReason
		wantCrop   image.Rectangle
	}{
		{
			name:     "uncached plate invokes",
			det:      Detection{Box: plate, Label: "numberplate", TrackID: 1, Frame: 3},
			want:     Invoke,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
		{
			name:     "label match ignores case and spaces",
			det:      Detection{Box: plate, Label: " NumberPlate ", TrackID: 1, Frame: 3},
			want:     Invoke,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
		{
			name:       "other class skips",
			det:        Detection{Box: plate, Label: "car", TrackID: 1, Frame: 3},
			want:       Skip,
			wantReason: ReasonWrongClass,
			wantCrop:   image.Rect(100, 200, 220, 240),
		},
		{
			name:     "cached track reuses text",
			det:      Detection{Box: plate, Label: "numberplate", TrackID: 7, Frame: 15},
			cache:    cached,
			want:     UseCached,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
		{
			name:       "zero width box skips",
			det:        Detection{Box: Box{X1: 50, Y1: 50, X2: 50, Y2: 80}, Label: "numberplate", TrackID: 9, Frame: 3},
			want:       Skip,
			wantReason: ReasonEmptyCrop,
		},
		{
			name:       "inverted box skips",
			det:        Detection{Box: Box{X1: 80, Y1: 50, X2: 50, Y2: 80}, Label: "numberplate", TrackID: 9, Frame: 3},
			want:       Skip,
			wantReason: ReasonEmptyCrop,
		},
		{
			name:       "box outside frame skips",
			det:        Detection{Box: Box{X1: 1100, Y1: 10, X2: 1200, Y2: 40}, Label: "numberplate", TrackID: 4, Frame: 3},
			want:       Skip,
			wantReason: ReasonEmptyCrop,
		},
		{
			name:       "empty crop skips even when cached",
			det:        Detection{Box: Box{X1: 10, Y1: 10, X2: 10, Y2: 10}, Label: "numberplate", TrackID: 7, Frame: 15},
			cache:      cached,
			want:       Skip,
			wantReason: ReasonEmptyCrop,
		},
		{
			name:     "box partly outside is clamped",
			det:      Detection{Box: Box{X1: -20, Y1: 580, X2: 60, Y2: 640}, Label: "numberplate", TrackID: 5, Frame: 3},
			want:     Invoke,
			wantCrop: image.Rect(0, 580, 60, 600),
		},
		{
			name:       "attempt cap reached",
			policy:     RetryPolicy{MaxAttempts: 3},
			det:        Detection{Box: plate, Label: "numberplate", TrackID: 2, Frame: 30},
			attempts:   Attempts{Count: 3, LastFrame: 27},
			want:       Skip,
			wantReason: ReasonRetriesExhausted,
			wantCrop:   image.Rect(100, 200, 220, 240),
		},
		{
			name:     "attempt cap not reached",
			policy:   RetryPolicy{MaxAttempts: 3},
			det:      Detection{Box: plate, Label: "numberplate", TrackID: 2, Frame: 30},
			attempts: Attempts{Count: 2, LastFrame: 27},
			want:     Invoke,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
		{
			name:       "retry interval not elapsed",
			policy:     RetryPolicy{RetryInterval: 10},
			det:        Detection{Box: plate, Label: "numberplate", TrackID: 2, Frame: 30},
			attempts:   Attempts{Count: 1, LastFrame: 24},
			want:       Skip,
			wantReason: ReasonBackoff,
			wantCrop:   image.Rect(100, 200, 220, 240),
		},
		{
			name:     "retry interval elapsed",
			policy:   RetryPolicy{RetryInterval: 6},
			det:      Detection{Box: plate, Label: "numberplate", TrackID: 2, Frame: 30},
			attempts: Attempts{Count: 1, LastFrame: 24},
			want:     Invoke,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
		{
			// Frame indices are raw stream positions: with every=3 the next
			// admitted frame is already 3 frames later.
			name:     "interval counts raw frames",
			policy:   RetryPolicy{RetryInterval: 3},
			det:      Detection{Box: plate, Label: "numberplate", TrackID: 2, Frame: 27},
			attempts: Attempts{Count: 1, LastFrame: 24},
			want:     Invoke,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
		{
			name:     "first attempt ignores interval",
			policy:   RetryPolicy{RetryInterval: 100},
			det:      Detection{Box: plate, Label: "numberplate", TrackID: 2, Frame: 3},
			want:     Invoke,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
		{
			name:     "zero policy retries forever",
			det:      Detection{Box: plate, Label: "numberplate", TrackID: 2, Frame: 3000},
			attempts: Attempts{Count: 999, LastFrame: 2997},
			want:     Invoke,
			wantCrop: image.Rect(100, 200, 220, 240),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate("numberplate", tt.policy)
			cache := tt.cache
			if cache == nil {
				cache = mapCache{}
			}

			v := gate.Decide(tt.det, frame, cache, tt.attempts)
			if v.Decision != tt.want {
				t.Errorf("Decide() = %v, want %v", v.Decision, tt.want)
			}
			if v.Reason != tt.wantReason {
				t.Errorf("Decide() reason = %q, want %q", v.Reason, tt.wantReason)
			}
			if v.Crop != tt.wantCrop {
				t.Errorf("Decide() crop = %v, want %v", v.Crop, tt.wantCrop)
			}
			if tt.want == UseCached && v.Record.Text != "AB123CD" {
				t.Errorf("Decide() record = %+v, want cached AB123CD", v.Record)
			}
		})
	}
}

func TestGateDegenerateBoxNeverInvokes(t *testing.T) {
	gate := NewGate("numberplate", RetryPolicy{})
	frame := image.Rect(0, 0, 1020, 600)
	det := Detection{Box: Box{X1: 300, Y1: 100, X2: 300, Y2: 140}, Label: "numberplate", TrackID: 9}

	for f := int64(1); f <= 50; f++ {
		det.Frame = f
		if v := gate.Decide(det, frame, mapCache{}, Attempts{}); v.Decision != Skip {
			t.Fatalf("frame %d: Decide() = %v, want Skip", f, v.Decision)
		}
	}
}

func TestGateIsTarget(t *testing.T) {
	gate := NewGate(" NumberPlate", RetryPolicy{})

	tests := []struct {
		label string
		want  bool
	}{
		{"numberplate", true},
		{"NUMBERPLATE", true},
		{"numberplate ", true},
		{"number plate", false},
		{"car", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := gate.IsTarget(tt.label); got != tt.want {
			t.Errorf("IsTarget(%q) = %v, want %v", tt.label, got, tt.want)
		}
	}
}

func TestBoxClampTo(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)

	tests := []struct {
		name      string
		box       Box
		want      image.Rectangle
		wantEmpty bool
	}{
		{"inside", Box{10, 10, 20, 20}, image.Rect(10, 10, 20, 20), false},
		{"overlapping edge", Box{90, 40, 120, 60}, image.Rect(90, 40, 100, 50), false},
		{"zero height", Box{10, 10, 20, 10}, image.Rectangle{}, true},
		{"inverted", Box{20, 20, 10, 10}, image.Rectangle{}, true},
		{"outside", Box{200, 200, 210, 210}, image.Rectangle{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.box.ClampTo(bounds)
			if got.Empty() != tt.wantEmpty {
				t.Fatalf("ClampTo() = %v, empty = %v, want empty %v", got, got.Empty(), tt.wantEmpty)
			}
			if !tt.wantEmpty && got != tt.want {
				t.Errorf("ClampTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameDecimator(t *testing.T) {
	tests := []struct {
		every int
		want  []int64
	}{
		{every: 3, want: []int64{3, 6, 9}},
		{every: 1, want: []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{every: 0, want: []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{every: 4, want: []int64{4, 8}},
	}

	for _, tt := range tests {
		d := NewFrameDecimator(tt.every)
		var admitted []int64
		for i := 0; i < 10; i++ {
			if d.Admit() {
				admitted = append(admitted, d.Seen())
			}
		}
		if len(admitted) != len(tt.want) {
			t.Errorf("every=%d: admitted %v, want %v", tt.every, admitted, tt.want)
			continue
		}
		for i := range admitted {
			if admitted[i] != tt.want[i] {
				t.Errorf("every=%d: admitted %v, want %v", tt.every, admitted, tt.want)
				break
			}
		}
	}
}

func BenchmarkGateDecide(b *testing.B) {
	gate := NewGate("numberplate", RetryPolicy{MaxAttempts: 5, RetryInterval: 3})
	frame := image.Rect(0, 0, 1020, 600)
	cache := mapCache{1: {TrackID: 1, Text: "AB123CD"}}
	dets := []Detection{
		{Box: Box{100, 200, 220, 240}, Label: "numberplate", TrackID: 1, Frame: 9},
		{Box: Box{300, 200, 420, 240}, Label: "numberplate", TrackID: 2, Frame: 9},
		{Box: Box{0, 0, 500, 400}, Label: "car", TrackID: 3, Frame: 9},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, det := range dets {
			gate.Decide(det, frame, cache, Attempts{Count: 1, LastFrame: 3})
		}
	}
}
