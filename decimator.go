package main

// FrameDecimator admits every Nth frame and drops the rest.
// With every <= 1 all frames are admitted.
type FrameDecimator struct {
	every int64
	count int64
}

// NewFrameDecimator creates a decimator passing one frame in every.
func NewFrameDecimator(every int) *FrameDecimator {
	if every < 1 {
		every = 1
	}
	return &FrameDecimator{every: int64(every)}
}

// Admit counts one raw frame and reports whether it should be processed.
// Frames are counted from 1, so with every=3 the 3rd, 6th, 9th... pass.
func (d *FrameDecimator) Admit() bool {
	d.count++
	return d.count%d.every == 0
}

// Seen returns the number of raw frames counted so far.
func (d *FrameDecimator) Seen() int64 {
	return d.count
}
