package main

import "sync"

// InFlight is the set of tracks with a recognition currently running.
// It keeps two frames of the same track from both reaching the engine
// when recognition runs asynchronously.
type InFlight struct {
	mu     sync.Mutex
	tracks map[TrackID]struct{}
}

// NewInFlight creates an empty guard set.
func NewInFlight() *InFlight {
	return &InFlight{tracks: make(map[TrackID]struct{})}
}

// TryAcquire marks id as in flight. It returns false if it already was.
func (f *InFlight) TryAcquire(id TrackID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, busy := f.tracks[id]; busy {
		return false
	}
	f.tracks[id] = struct{}{}
	return true
}

// Release clears id. Releasing an idle track is a no-op.
func (f *InFlight) Release(id TrackID) {
	f.mu.Lock()
	delete(f.tracks, id)
	f.mu.Unlock()
}

// Contains reports whether id is in flight.
func (f *InFlight) Contains(id TrackID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.tracks[id]
	return busy
}

// Len returns the number of in-flight tracks.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}
