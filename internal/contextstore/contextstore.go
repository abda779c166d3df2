// Package contextstore provides read-only access to recent detection history
// and camera metadata for the scoring pipeline. History is held in memory per
// camera and pruned to a configured retention window; the store is safe for
// concurrent use by all pipeline stages.
package contextstore

import (
	"sync"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/detection"
)

// Entry is one remembered detection frame for a camera.
type Entry struct {
	SpeciesKey string
	Confidence float64
	Timestamp  time.Time
}

// Store holds recent per-camera detection history and camera metadata.
type Store struct {
	mu      sync.RWMutex
	recent  map[string][]Entry // keyed by camera id, oldest first
	window  time.Duration
	cameras map[string]conf.CameraMeta
}

// New creates a context store retaining history for the given window.
func New(window time.Duration, cameras map[string]conf.CameraMeta) *Store {
	if cameras == nil {
		cameras = make(map[string]conf.CameraMeta)
	}
	return &Store{
		recent:  make(map[string][]Entry),
		window:  window,
		cameras: cameras,
	}
}

// Record remembers a detection event for later temporal lookups. Pruning of
// entries older than the retention window happens inline on the same key.
func (s *Store) Record(e *detection.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.recent[e.CameraID]
	cutoff := e.Timestamp.Add(-s.window)
	pruned := entries[:0]
	for _, entry := range entries {
		if entry.Timestamp.After(cutoff) {
			pruned = append(pruned, entry)
		}
	}
	pruned = append(pruned, Entry{
		SpeciesKey: e.SpeciesKey(),
		Confidence: e.BaseConfidence,
		Timestamp:  e.Timestamp,
	})
	s.recent[e.CameraID] = pruned
}

// Recent returns the camera's history entries within the given window ending
// at ref, oldest first. The returned slice is a copy.
func (s *Store) Recent(cameraID string, ref time.Time, window time.Duration) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := ref.Add(-window)
	var out []Entry
	for _, entry := range s.recent[cameraID] {
		if entry.Timestamp.After(cutoff) && !entry.Timestamp.After(ref) {
			out = append(out, entry)
		}
	}
	return out
}

// CountSince returns how many detections of the given species the camera has
// seen since the given time. Used as the observed rate for anomaly scoring.
func (s *Store) CountSince(cameraID, speciesKey string, since time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entry := range s.recent[cameraID] {
		if entry.SpeciesKey == speciesKey && entry.Timestamp.After(since) {
			count++
		}
	}
	return count
}

// Camera returns metadata for the given camera id.
func (s *Store) Camera(id string) (conf.CameraMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.cameras[id]
	return meta, ok
}
