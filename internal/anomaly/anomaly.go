// Package anomaly maintains rolling activity baselines per (camera, species,
// hour-of-day) and scores how unusual the current detection rate is.
// Baselines adapt through exponential weighting, so multi-week drift in
// activity patterns is absorbed without manual resets.
package anomaly

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/contextstore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

// Key identifies one activity baseline.
type Key struct {
	CameraID   string
	SpeciesKey string
	Hour       int
}

// Baseline holds the exponentially weighted mean and variance of detection
// counts for one key. Variance is clamped to never go negative.
type Baseline struct {
	Mean      float64
	Variance  float64
	Samples   int
	UpdatedAt time.Time
}

// StdDev returns the baseline standard deviation.
func (b *Baseline) StdDev() float64 {
	if b.Variance <= 0 {
		return 0
	}
	return math.Sqrt(b.Variance)
}

// Detector scores detections against learned baselines.
type Detector struct {
	settings  conf.AnomalySettings
	store     *contextstore.Store
	mu        sync.Mutex
	baselines map[Key]*Baseline
	logger    *slog.Logger
}

// New creates an anomaly detector.
func New(settings conf.AnomalySettings, store *contextstore.Store) *Detector {
	logger := logging.ForService("anomaly")
	if logger == nil {
		logger = slog.Default().With("service", "anomaly")
	}
	return &Detector{
		settings:  settings,
		store:     store,
		baselines: make(map[Key]*Baseline),
		logger:    logger,
	}
}

// Evaluate fills in the anomaly score of a scored detection and then folds
// the observation into the baseline. The update happens strictly after
// scoring so the current sample cannot mask its own anomaly.
func (d *Detector) Evaluate(scored *detection.Scored) {
	event := &scored.Event
	key := Key{
		CameraID:   event.CameraID,
		SpeciesKey: event.SpeciesKey(),
		Hour:       event.Timestamp.Hour(),
	}

	window := time.Duration(d.settings.RateWindowMinutes) * time.Minute
	// +1 accounts for the event being evaluated, which is not yet recorded
	// in the context store.
	observed := float64(d.store.CountSince(event.CameraID, key.SpeciesKey, event.Timestamp.Add(-window)) + 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, exists := d.baselines[key]
	if !exists {
		baseline = &Baseline{}
		d.baselines[key] = baseline
	}

	score, temporalAnomaly := d.score(key, baseline, observed)
	scored.AnomalyScore = score
	scored.TemporalAnomaly = temporalAnomaly

	d.update(baseline, observed, event.Timestamp)

	if temporalAnomaly {
		d.logger.Debug("temporal anomaly flagged",
			"camera_id", key.CameraID,
			"species", key.SpeciesKey,
			"hour", key.Hour,
			"observed", observed)
	}
}

// score computes the saturated anomaly score for an observation against the
// baseline without modifying it. Caller holds d.mu.
func (d *Detector) score(key Key, baseline *Baseline, observed float64) (score float64, temporalAnomaly bool) {
	// A near-zero baseline for this hour while the same camera/species pair
	// has mature history in other hours means a truly novel hour: flagged
	// regardless of z-score magnitude.
	if baseline.Mean < d.settings.Epsilon && baseline.Samples < d.settings.MinSamples && d.pairHasHistory(key) {
		return 1.0, true
	}

	z := d.zScore(baseline, observed)
	score = math.Min(math.Abs(z)/d.settings.SaturationZ, 1.0)

	// Cold start: an immature baseline must not flag everything anomalous.
	if baseline.Samples < d.settings.MinSamples && score > d.settings.ColdStartCap {
		score = d.settings.ColdStartCap
	}
	return score, false
}

// pairHasHistory reports whether any hour bucket for the same camera and
// species has accumulated enough samples to be trusted. Caller holds d.mu.
func (d *Detector) pairHasHistory(key Key) bool {
	for hour := range 24 {
		if hour == key.Hour {
			continue
		}
		sibling, ok := d.baselines[Key{CameraID: key.CameraID, SpeciesKey: key.SpeciesKey, Hour: hour}]
		if ok && sibling.Samples >= d.settings.MinSamples {
			return true
		}
	}
	return false
}

func (d *Detector) zScore(baseline *Baseline, observed float64) float64 {
	std := math.Max(baseline.StdDev(), d.settings.Epsilon)
	return (observed - baseline.Mean) / std
}

// update folds an observation into the baseline with exponential weighting.
func (d *Detector) update(baseline *Baseline, observed float64, at time.Time) {
	alpha := d.settings.SmoothingAlpha
	if baseline.Samples == 0 {
		baseline.Mean = observed
		baseline.Variance = 0
	} else {
		delta := observed - baseline.Mean
		baseline.Mean += alpha * delta
		// Exponentially weighted variance (West 1979). The incremental form
		// keeps variance non-negative by construction.
		baseline.Variance = (1 - alpha) * (baseline.Variance + alpha*delta*delta)
	}
	if baseline.Variance < 0 {
		baseline.Variance = 0
	}
	baseline.Samples++
	baseline.UpdatedAt = at
}

// Snapshot returns a copy of all baselines for persistence.
func (d *Detector) Snapshot() map[Key]Baseline {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[Key]Baseline, len(d.baselines))
	for key, baseline := range d.baselines {
		out[key] = *baseline
	}
	return out
}

// Restore seeds the detector from persisted baselines. Existing in-memory
// baselines for the same keys are replaced.
func (d *Detector) Restore(baselines map[Key]Baseline) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, baseline := range baselines {
		b := baseline
		d.baselines[key] = &b
	}
}
