package main

import (
	"image"
	"strings"
)

// Decision is the gate's verdict for one detection.
type Decision int

const (
	// Skip means no recognition and no cached text for this detection.
	Skip Decision = iota
	// Invoke means the recognition engine should run on the crop.
	Invoke
	// UseCached means the track already has a plate; reuse it.
	UseCached
)

// String returns a string representation of the Decision.
func (d Decision) String() string {
	switch d {
	case Skip:
		return "SKIP"
	case Invoke:
		return "INVOKE"
	case UseCached:
		return "USE_CACHED"
	default:
		return "UNKNOWN"
	}
}

// SkipReason explains a Skip decision for logging and metrics.
type SkipReason string

const (
	ReasonNone             SkipReason = ""
	ReasonEmptyCrop        SkipReason = "empty_crop"
	ReasonWrongClass       SkipReason = "wrong_class"
	ReasonRetriesExhausted SkipReason = "retries_exhausted"
	ReasonBackoff          SkipReason = "backoff"
)

// Verdict bundles the decision with the clamped crop rectangle.
type Verdict struct {
	Decision Decision
	Reason   SkipReason
	// Crop is the detection box clamped to the frame. Empty for ReasonEmptyCrop.
	Crop image.Rectangle
	// Record is set when Decision is UseCached.
	Record PlateRecord
}

// Attempts is the recognition history of one pending track.
type Attempts struct {
	// Count is how many times recognition ran for the track.
	Count int
	// LastFrame is the frame index of the most recent attempt.
	LastFrame int64
}

// RetryPolicy bounds how often a stubborn track is re-recognized.
// The zero value retries on every qualifying frame forever.
type RetryPolicy struct {
	// MaxAttempts caps recognition calls per track. 0 means unbounded.
	MaxAttempts int
	// RetryInterval is the minimum distance between attempts in raw stream
	// frame indices, counted before decimation. 0 means every admitted frame.
	RetryInterval int64
}

// Gate decides per detection whether recognition is warranted.
// Decide is a pure function of its arguments.
type Gate struct {
	targetClass string
	policy      RetryPolicy
}

// NewGate creates a gate for the given target class label.
func NewGate(targetClass string, policy RetryPolicy) *Gate {
	return &Gate{
		targetClass: normalizeLabel(targetClass),
		policy:      policy,
	}
}

// IsTarget reports whether label names the target class.
func (g *Gate) IsTarget(label string) bool {
	return normalizeLabel(label) == g.targetClass
}

// Decide evaluates det against the frame bounds, the cache and the track's
// attempt history. An empty crop always yields Skip, whatever the label or
// cache state.
func (g *Gate) Decide(det Detection, frame image.Rectangle, cache CacheReader, attempts Attempts) Verdict {
	crop := det.Box.ClampTo(frame)
	if crop.Empty() {
		return Verdict{Decision: Skip, Reason: ReasonEmptyCrop}
	}

	if !g.IsTarget(det.Label) {
		return Verdict{Decision: Skip, Reason: ReasonWrongClass, Crop: crop}
	}

	if rec, ok := cache.TryGet(det.TrackID); ok {
		return Verdict{Decision: UseCached, Crop: crop, Record: rec}
	}

	if g.policy.MaxAttempts > 0 && attempts.Count >= g.policy.MaxAttempts {
		return Verdict{Decision: Skip, Reason: ReasonRetriesExhausted, Crop: crop}
	}

	if g.policy.RetryInterval > 0 && attempts.Count > 0 &&
		det.Frame-attempts.LastFrame < g.policy.RetryInterval {
		return Verdict{Decision: Skip, Reason: ReasonBackoff, Crop: crop}
	}

	return Verdict{Decision: Invoke, Crop: crop}
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
