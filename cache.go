package main

import (
	"strings"
	"sync"
	"time"
)

// TrackID is the identity assigned by the external tracker to one physical
// object. It is stable across frames and never reused within a session.
type TrackID int64

// PlateRecord is the first successful recognition for a track.
// Records are created by TrackCache.TryInsert and never modified afterwards.
type PlateRecord struct {
	// TrackID identifies the tracked plate.
	TrackID TrackID

	// Text is the recognized plate string. Never empty.
	Text string

	// FirstSeenFrame is the index of the frame whose crop produced Text.
	FirstSeenFrame int64

	// RecognizedAt is the wall-clock time the record was inserted.
	RecognizedAt time.Time
}

// InsertResult is the outcome of TrackCache.TryInsert.
type InsertResult int

const (
	// Inserted means the record was stored and the caller owns the
	// one-time side effects (audit line, event publish).
	Inserted InsertResult = iota
	// AlreadyPresent means a record existed; nothing changed.
	AlreadyPresent
	// EmptyText means the text was blank and was not stored, so the
	// track stays pending and may be retried.
	EmptyText
)

// String returns a string representation of the InsertResult.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "INSERTED"
	case AlreadyPresent:
		return "ALREADY_PRESENT"
	case EmptyText:
		return "EMPTY_TEXT"
	default:
		return "UNKNOWN"
	}
}

// CacheReader is the read-only view of the cache used by the gate and the renderer.
type CacheReader interface {
	TryGet(id TrackID) (PlateRecord, bool)
}

// TrackCache memoizes recognized plate text per track. Each key is written
// at most once: the first non-empty recognition wins and later inserts are
// rejected without mutation. There is no eviction; entries live for the
// whole session.
//
// TrackCache is safe for concurrent use. A single mutex guards the map,
// which serializes TryInsert calls for the same track.
type TrackCache struct {
	mu      sync.RWMutex
	records map[TrackID]PlateRecord

	// now stamps RecognizedAt. Replaced in tests.
	now func() time.Time
}

// NewTrackCache creates an empty cache.
func NewTrackCache() *TrackCache {
	return &TrackCache{
		records: make(map[TrackID]PlateRecord),
		now:     time.Now,
	}
}

// TryGet returns the record for id, if one was inserted.
func (c *TrackCache) TryGet(id TrackID) (PlateRecord, bool) {
	c.mu.RLock()
	rec, ok := c.records[id]
	c.mu.RUnlock()
	return rec, ok
}

// TryInsert stores text for id if no record exists yet.
// Whitespace-only text is treated as "not recognized yet" and never stored.
func (c *TrackCache) TryInsert(id TrackID, text string, frame int64) (PlateRecord, InsertResult) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PlateRecord{}, EmptyText
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.records[id]; ok {
		return existing, AlreadyPresent
	}

	rec := PlateRecord{
		TrackID:        id,
		Text:           text,
		FirstSeenFrame: frame,
		RecognizedAt:   c.now(),
	}
	c.records[id] = rec
	return rec, Inserted
}

// Len returns the number of recognized tracks.
func (c *TrackCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Snapshot returns a copy of all records.
func (c *TrackCache) Snapshot() map[TrackID]PlateRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[TrackID]PlateRecord, len(c.records))
	for id, rec := range c.records {
		out[id] = rec
	}
	return out
}
