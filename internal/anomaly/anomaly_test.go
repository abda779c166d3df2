package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/contextstore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
)

func testSettings() conf.AnomalySettings {
	return conf.AnomalySettings{
		SaturationZ:       2.5,
		Epsilon:           0.1,
		SmoothingAlpha:    0.1,
		MinSamples:        5,
		ColdStartCap:      0.5,
		RateWindowMinutes: 60,
	}
}

func newDetector() (*Detector, *contextstore.Store) {
	store := contextstore.New(2*time.Hour, nil)
	return New(testSettings(), store), store
}

func scoredEvent(camera, species string, at time.Time) *detection.Scored {
	return &detection.Scored{Event: detection.Event{
		CameraID:       camera,
		Species:        species,
		BaseConfidence: 0.8,
		Timestamp:      at,
	}}
}

// seedBaseline folds enough observations into a key to make it mature.
func seedBaseline(d *Detector, key Key, mean float64, samples int) {
	baseline := &Baseline{Mean: mean, Variance: 0.5, Samples: samples, UpdatedAt: time.Now()}
	d.Restore(map[Key]Baseline{key: *baseline})
}

func TestEvaluateScoreSaturatesAtOne(t *testing.T) {
	t.Parallel()
	d, store := newDetector()
	at := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	key := Key{CameraID: "cam-1", SpeciesKey: "deer", Hour: 14}

	// Mature, quiet baseline.
	seedBaseline(d, key, 1.0, 50)

	// A burst far beyond any finite z-score still scores exactly 1.0.
	for range 500 {
		store.Record(&detection.Event{CameraID: "cam-1", Species: "deer", BaseConfidence: 0.8, Timestamp: at})
	}
	scored := scoredEvent("cam-1", "deer", at)
	d.Evaluate(scored)

	assert.InDelta(t, 1.0, scored.AnomalyScore, 1e-9)
	assert.LessOrEqual(t, scored.AnomalyScore, 1.0)
}

func TestEvaluateColdStartCapsScore(t *testing.T) {
	t.Parallel()
	d, store := newDetector()
	at := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)

	// Large burst with no history at all: the immature baseline must not
	// flag maximum anomaly.
	for range 100 {
		store.Record(&detection.Event{CameraID: "cam-2", Species: "boar", BaseConfidence: 0.8, Timestamp: at})
	}
	scored := scoredEvent("cam-2", "boar", at)
	d.Evaluate(scored)

	assert.LessOrEqual(t, scored.AnomalyScore, 0.5)
	assert.False(t, scored.TemporalAnomaly)
}

func TestEvaluateTemporalAnomalyForNovelHour(t *testing.T) {
	t.Parallel()
	d, _ := newDetector()
	at := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)

	// The pair has mature history at hour 14 but nothing at hour 3.
	seedBaseline(d, Key{CameraID: "cam-1", SpeciesKey: "deer", Hour: 14}, 4.0, 30)

	scored := scoredEvent("cam-1", "deer", at)
	d.Evaluate(scored)

	assert.True(t, scored.TemporalAnomaly)
	assert.InDelta(t, 1.0, scored.AnomalyScore, 1e-9)
}

func TestEvaluateUpdatesBaselineAfterScoring(t *testing.T) {
	t.Parallel()
	d, _ := newDetector()
	at := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	key := Key{CameraID: "cam-1", SpeciesKey: "deer", Hour: 14}

	seedBaseline(d, key, 1.0, 50)
	before := d.Snapshot()[key]

	scored := scoredEvent("cam-1", "deer", at)
	d.Evaluate(scored)

	after := d.Snapshot()[key]
	assert.Equal(t, before.Samples+1, after.Samples)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
}

func TestEvaluateVarianceNeverNegative(t *testing.T) {
	t.Parallel()
	d, store := newDetector()
	base := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)

	for i := range 200 {
		at := base.Add(time.Duration(i) * time.Second)
		store.Record(&detection.Event{CameraID: "cam-1", Species: "deer", BaseConfidence: 0.8, Timestamp: at})
		d.Evaluate(scoredEvent("cam-1", "deer", at))
	}

	for _, baseline := range d.Snapshot() {
		require.GreaterOrEqual(t, baseline.Variance, 0.0)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	d, _ := newDetector()
	key := Key{CameraID: "cam-1", SpeciesKey: "wolf", Hour: 22}
	seedBaseline(d, key, 2.5, 12)

	restored, _ := newDetector()
	restored.Restore(d.Snapshot())

	got := restored.Snapshot()[key]
	assert.InDelta(t, 2.5, got.Mean, 1e-9)
	assert.Equal(t, 12, got.Samples)
}
