// Package scorer implements the confidence scorer: the first pipeline stage,
// combining the upstream model confidence with temporal, size and
// environmental corroboration into a composite confidence.
package scorer

import (
	"log/slog"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/adaptive"
	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/contextstore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

// neutralScore is used whenever a sub-signal has no data to judge by.
// Missing context must never penalize nor reward a detection.
const neutralScore = 0.5

// Scorer computes ScoredDetections from raw events.
type Scorer struct {
	settings  conf.ScoringSettings
	behaviors map[string]conf.SpeciesBehavior
	store     *contextstore.Store
	logger    *slog.Logger
}

// New creates a confidence scorer.
func New(settings conf.ScoringSettings, behaviors map[string]conf.SpeciesBehavior, store *contextstore.Store) *Scorer {
	logger := logging.ForService("scorer")
	if logger == nil {
		logger = slog.Default().With("service", "scorer")
	}
	return &Scorer{
		settings:  settings,
		behaviors: behaviors,
		store:     store,
		logger:    logger,
	}
}

// Score evaluates one detection event against the given parameter snapshot
// and returns the scored detection. The anomaly score is filled in by the
// anomaly detector afterwards.
func (s *Scorer) Score(event *detection.Event, params *adaptive.Parameters) *detection.Scored {
	temporal := s.temporalConsistency(event)
	size := s.sizeValidation(event)
	environmental := s.environmentalPlausibility(event)

	w := params.Weights
	composite := w.Base*event.BaseConfidence +
		w.Temporal*temporal +
		w.Size*size +
		w.Environmental*environmental
	composite = clamp01(composite)

	s.logger.Debug("scored detection",
		"camera_id", event.CameraID,
		"species", event.Species,
		"base", event.BaseConfidence,
		"temporal", temporal,
		"size", size,
		"environmental", environmental,
		"composite", composite)

	return &detection.Scored{
		Event:               *event,
		CompositeConfidence: composite,
		TemporalConsistency: temporal,
		SizeValidation:      size,
		EnvironmentalScore:  environmental,
	}
}

// temporalConsistency returns the fraction of the last N frames on the same
// camera that also detected this species above the corroboration threshold.
// An isolated single-frame detection scores 0.
func (s *Scorer) temporalConsistency(event *detection.Event) float64 {
	window := time.Duration(s.settings.TemporalWindowSec) * time.Second
	history := s.store.Recent(event.CameraID, event.Timestamp, window)
	if len(history) == 0 {
		return 0
	}

	// Only the most recent N frames count.
	frames := history
	if len(frames) > s.settings.TemporalFrames {
		frames = frames[len(frames)-s.settings.TemporalFrames:]
	}

	speciesKey := event.SpeciesKey()
	matching := 0
	for _, entry := range frames {
		if entry.SpeciesKey == speciesKey && entry.Confidence >= s.settings.CorroborationMin {
			matching++
		}
	}
	if matching == 0 {
		return 0
	}
	return clamp01(float64(matching) / float64(s.settings.TemporalFrames))
}

// sizeValidation compares the normalized bounding box area against the
// species' expected size band. Inside the band scores 1.0, decaying linearly
// to 0 across the tolerance band outside it. Missing data scores neutral.
func (s *Scorer) sizeValidation(event *detection.Event) float64 {
	if event.BoundingBox == nil {
		return neutralScore
	}
	behavior, ok := s.behaviors[event.SpeciesKey()]
	if !ok || !behavior.HasSizeRange() {
		return neutralScore
	}
	meta, ok := s.store.Camera(event.CameraID)
	if !ok || meta.FrameWidth <= 0 || meta.FrameHeight <= 0 {
		return neutralScore
	}

	frameArea := float64(meta.FrameWidth) * float64(meta.FrameHeight)
	ratio := event.BoundingBox.Area() / frameArea

	tolerance := behavior.SizeTolerance
	if tolerance <= 0 {
		// A zero tolerance band would make the score a step function.
		tolerance = behavior.MaxAreaRatio * 0.5
	}

	switch {
	case ratio >= behavior.MinAreaRatio && ratio <= behavior.MaxAreaRatio:
		return 1.0
	case ratio < behavior.MinAreaRatio:
		deficit := behavior.MinAreaRatio - ratio
		return clamp01(1.0 - deficit/tolerance)
	default:
		excess := ratio - behavior.MaxAreaRatio
		return clamp01(1.0 - excess/tolerance)
	}
}

// environmentalPlausibility scores the species against the time of day in
// the event context using the data-driven behavior table. Missing context or
// an unknown species scores neutral rather than failing the pipeline.
func (s *Scorer) environmentalPlausibility(event *detection.Event) float64 {
	period, ok := event.ContextString(detection.ContextTimeOfDay)
	if !ok {
		return s.settings.NeutralEnvironmental
	}
	behavior, found := s.behaviors[event.SpeciesKey()]
	if !found || len(behavior.ActivePeriods) == 0 {
		return s.settings.NeutralEnvironmental
	}

	if behavior.ActiveDuring(period) {
		return 1.0
	}

	// Dawn and dusk are transitional; a day or night species seen then is
	// unusual but not implausible.
	if period == conf.PeriodDawn || period == conf.PeriodDusk {
		return 0.4
	}
	return 0.1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
