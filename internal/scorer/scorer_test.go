package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtoivan/trailwatch-go/internal/adaptive"
	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/contextstore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
)

func testSettings() conf.ScoringSettings {
	return conf.ScoringSettings{
		Weights: conf.ScoringWeights{
			Base:          0.4,
			Temporal:      0.25,
			Size:          0.15,
			Environmental: 0.2,
		},
		TemporalWindowSec:    10,
		TemporalFrames:       5,
		CorroborationMin:     0.3,
		NeutralEnvironmental: 0.5,
	}
}

func testParams() *adaptive.Parameters {
	return &adaptive.Parameters{
		Weights: conf.ScoringWeights{
			Base:          0.4,
			Temporal:      0.25,
			Size:          0.15,
			Environmental: 0.2,
		},
		DefaultThreshold: 0.6,
	}
}

func testBehaviors() map[string]conf.SpeciesBehavior {
	return map[string]conf.SpeciesBehavior{
		"wolf": {
			ActivePeriods: []string{conf.PeriodNight, conf.PeriodDusk},
			MinAreaRatio:  0.02,
			MaxAreaRatio:  0.2,
			SizeTolerance: 0.05,
		},
		"deer": {
			ActivePeriods: []string{conf.PeriodDay, conf.PeriodDawn, conf.PeriodDusk},
		},
	}
}

func testStore() *contextstore.Store {
	return contextstore.New(60*time.Second, map[string]conf.CameraMeta{
		"cam-1": {Name: "north gate", FrameWidth: 1920, FrameHeight: 1080},
	})
}

func event(species string, confidence float64, at time.Time) *detection.Event {
	return &detection.Event{
		CameraID:       "cam-1",
		Species:        species,
		BaseConfidence: confidence,
		Timestamp:      at,
	}
}

func TestScoreIsolatedDetectionHasZeroTemporal(t *testing.T) {
	t.Parallel()
	s := New(testSettings(), testBehaviors(), testStore())

	scored := s.Score(event("wolf", 0.9, time.Now()), testParams())

	assert.InDelta(t, 0.0, scored.TemporalConsistency, 1e-9)
}

func TestScoreTemporalConsistencyCountsCorroboratingFrames(t *testing.T) {
	t.Parallel()
	store := testStore()
	s := New(testSettings(), testBehaviors(), store)
	now := time.Now()

	// Three corroborating wolf frames plus one below the corroboration
	// threshold, inside the window.
	for i, confidence := range []float64{0.8, 0.7, 0.6, 0.1} {
		store.Record(event("wolf", confidence, now.Add(time.Duration(-i)*time.Second)))
	}

	scored := s.Score(event("wolf", 0.9, now), testParams())

	// 3 of the last 5 frames corroborate.
	assert.InDelta(t, 3.0/5.0, scored.TemporalConsistency, 1e-9)
}

func TestScoreCompositeIsWeightedSum(t *testing.T) {
	t.Parallel()
	s := New(testSettings(), testBehaviors(), testStore())
	now := time.Now()

	e := event("wolf", 0.9, now)
	e.Context = map[string]string{detection.ContextTimeOfDay: conf.PeriodNight}

	scored := s.Score(e, testParams())

	// temporal 0 (isolated), size neutral 0.5 (no bounding box),
	// environmental 1.0 (nocturnal species at night).
	expected := 0.4*0.9 + 0.25*0 + 0.15*0.5 + 0.2*1.0
	assert.InDelta(t, expected, scored.CompositeConfidence, 1e-9)
}

func TestScoreSizeValidation(t *testing.T) {
	t.Parallel()
	s := New(testSettings(), testBehaviors(), testStore())
	now := time.Now()
	frameArea := 1920.0 * 1080.0

	tests := []struct {
		name  string
		ratio float64
		want  float64
	}{
		{"inside band", 0.1, 1.0},
		{"far too large", 0.5, 0.0},
		{"slightly small", 0.005, 1.0 - (0.02-0.005)/0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := event("wolf", 0.9, now)
			e.BoundingBox = &detection.BoundingBox{
				Width:  1920,
				Height: tt.ratio * frameArea / 1920,
			}
			scored := s.Score(e, testParams())
			assert.InDelta(t, tt.want, scored.SizeValidation, 1e-6)
		})
	}
}

func TestScoreSizeNeutralWithoutData(t *testing.T) {
	t.Parallel()
	s := New(testSettings(), testBehaviors(), testStore())
	now := time.Now()

	// No bounding box.
	scored := s.Score(event("wolf", 0.9, now), testParams())
	assert.InDelta(t, 0.5, scored.SizeValidation, 1e-9)

	// Species without a size band.
	e := event("deer", 0.9, now)
	e.BoundingBox = &detection.BoundingBox{Width: 100, Height: 100}
	scored = s.Score(e, testParams())
	assert.InDelta(t, 0.5, scored.SizeValidation, 1e-9)

	// Unknown camera.
	e = event("wolf", 0.9, now)
	e.CameraID = "cam-unknown"
	e.BoundingBox = &detection.BoundingBox{Width: 100, Height: 100}
	scored = s.Score(e, testParams())
	assert.InDelta(t, 0.5, scored.SizeValidation, 1e-9)
}

func TestScoreEnvironmentalPlausibility(t *testing.T) {
	t.Parallel()
	s := New(testSettings(), testBehaviors(), testStore())
	now := time.Now()

	tests := []struct {
		name    string
		species string
		period  string
		want    float64
	}{
		{"nocturnal at night", "wolf", conf.PeriodNight, 1.0},
		{"nocturnal at dawn", "wolf", conf.PeriodDawn, 0.4},
		{"diurnal at night", "deer", conf.PeriodNight, 0.1},
		{"missing context", "wolf", "", 0.5},
		{"unknown species", "lynx", conf.PeriodNight, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := event(tt.species, 0.9, now)
			if tt.period != "" {
				e.Context = map[string]string{detection.ContextTimeOfDay: tt.period}
			}
			scored := s.Score(e, testParams())
			assert.InDelta(t, tt.want, scored.EnvironmentalScore, 1e-9)
		})
	}
}

func TestScoreZeroConfidenceWithoutCorroborationStaysLow(t *testing.T) {
	t.Parallel()
	s := New(testSettings(), testBehaviors(), testStore())

	scored := s.Score(event("wolf", 0, time.Now()), testParams())

	// base 0, temporal 0, size neutral, environmental neutral: the
	// composite must stay well under any promotion threshold.
	require.Less(t, scored.CompositeConfidence, 0.25)
}

func TestScoreClampsComposite(t *testing.T) {
	t.Parallel()
	s := New(testSettings(), testBehaviors(), testStore())
	params := testParams()
	params.Weights = conf.ScoringWeights{Base: 1.5, Temporal: 0.25, Size: 0.15, Environmental: 0.2}

	scored := s.Score(event("wolf", 1.0, time.Now()), params)

	assert.LessOrEqual(t, scored.CompositeConfidence, 1.0)
}
