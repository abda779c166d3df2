// Package adaptive holds the tunable scoring parameters shared by the
// confidence scorer and the alert classifier. Parameters are published as
// immutable snapshots through an atomic pointer, so in-flight evaluations
// always observe a consistent set and readers never block writers.
package adaptive

import (
	"maps"
	"sync/atomic"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/conf"
)

// Key identifies an adaptive filter threshold entry.
type Key struct {
	CameraID   string
	SpeciesKey string
}

// Parameters is one immutable snapshot of the tunable parameter set.
// Snapshots must not be mutated after publishing; use Clone to derive a new
// one.
type Parameters struct {
	Version          int64
	UpdatedAt        time.Time
	Weights          conf.ScoringWeights
	DefaultThreshold float64
	// FilterThresholds holds per (camera, species) false positive score
	// thresholds learned by the feedback loop.
	FilterThresholds map[Key]float64
}

// FilterThreshold returns the adaptive false positive threshold for the
// given camera and species, falling back to the default.
func (p *Parameters) FilterThreshold(cameraID, speciesKey string) float64 {
	if t, ok := p.FilterThresholds[Key{CameraID: cameraID, SpeciesKey: speciesKey}]; ok {
		return t
	}
	return p.DefaultThreshold
}

// Clone returns a deep copy suitable for modification before publishing.
func (p *Parameters) Clone() *Parameters {
	cloned := &Parameters{
		Version:          p.Version,
		UpdatedAt:        p.UpdatedAt,
		Weights:          p.Weights,
		DefaultThreshold: p.DefaultThreshold,
		FilterThresholds: make(map[Key]float64, len(p.FilterThresholds)),
	}
	maps.Copy(cloned.FilterThresholds, p.FilterThresholds)
	return cloned
}

// Store publishes parameter snapshots to the pipeline.
type Store struct {
	current atomic.Pointer[Parameters]
}

// NewStore creates a parameter store seeded from configuration defaults.
func NewStore(settings *conf.EngineSettings) *Store {
	s := &Store{}
	s.current.Store(&Parameters{
		Version:          1,
		UpdatedAt:        time.Now(),
		Weights:          settings.Scoring.Weights,
		DefaultThreshold: settings.Classifier.FilterThreshold,
		FilterThresholds: make(map[Key]float64),
	})
	return s
}

// Current returns the active parameter snapshot. Callers must treat the
// result as read-only.
func (s *Store) Current() *Parameters {
	return s.current.Load()
}

// Publish installs a new snapshot. The version counter is advanced so
// observers can detect updates.
func (s *Store) Publish(p *Parameters) {
	prev := s.current.Load()
	p.Version = prev.Version + 1
	p.UpdatedAt = time.Now()
	s.current.Store(p)
}
