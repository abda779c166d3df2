package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtoivan/trailwatch-go/internal/adaptive"
	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
)

func testSettings() conf.ClassifierSettings {
	return conf.ClassifierSettings{
		MinConfidence:       0.5,
		FilterThreshold:     0.6,
		AnomalyDiscount:     0.5,
		EmergencySpecies:    []string{"bear"},
		DangerousSpecies:    []string{"wolf", "wild boar"},
		PrioritySpecies:     []string{"lynx"},
		EmergencyConfidence: 0.85,
		CriticalConfidence:  0.75,
		Environmental: conf.EnvironmentalBounds{
			MinTemperature: -30,
			MaxTemperature: 45,
			MaxWindSpeed:   20,
			MinVisibility:  50,
		},
	}
}

func testParams() *adaptive.Parameters {
	return &adaptive.Parameters{
		DefaultThreshold: 0.6,
		FilterThresholds: map[adaptive.Key]float64{},
	}
}

func scored(species string, composite, anomaly float64) *detection.Scored {
	return &detection.Scored{
		Event: detection.Event{
			CameraID:       "cam-1",
			Species:        species,
			BaseConfidence: composite,
			Timestamp:      time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC),
		},
		CompositeConfidence: composite,
		AnomalyScore:        anomaly,
	}
}

func TestClassifySeverityTiers(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	tests := []struct {
		name      string
		species   string
		composite float64
		want      datastore.Severity
	}{
		{"bear high confidence", "bear", 0.9, datastore.SeverityEmergency},
		{"bear below emergency bar", "bear", 0.8, datastore.SeverityCritical},
		{"wolf dangerous", "Wolf", 0.8, datastore.SeverityCritical},
		{"wolf below critical bar", "wolf", 0.6, datastore.SeverityWarning},
		{"deer confident", "deer", 0.7, datastore.SeverityWarning},
		{"lynx priority regardless of confidence", "lynx", 0.3, datastore.SeverityWarning},
		{"deer low confidence", "deer", 0.45, datastore.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := scored(tt.species, tt.composite, 0)
			s.TemporalConsistency = 0.5
			result := c.Classify(s, testParams())
			require.NotNil(t, result.Alert)
			assert.Equal(t, tt.want, result.Alert.Severity)
			assert.Equal(t, tt.want.Priority(), result.Alert.Priority)
		})
	}
}

func TestClassifyRareSpeciesAlwaysWarns(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), map[string]conf.SpeciesBehavior{
		"otter": {Rare: true},
	})

	s := scored("otter", 0.3, 0)
	s.TemporalConsistency = 0.5

	result := c.Classify(s, testParams())

	require.NotNil(t, result.Alert)
	assert.Equal(t, datastore.SeverityWarning, result.Alert.Severity)
}

func TestClassifyPromotedAlertFields(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	result := c.Classify(scored("wolf", 0.8, 0.2), testParams())

	require.NotNil(t, result.Alert)
	alert := result.Alert
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, datastore.StatePromoted, alert.State)
	assert.Equal(t, "cam-1", alert.CameraID)
	assert.Equal(t, "wolf", alert.SpeciesKey)
	// fp = (1 - 0.8) * (1 - 0.5*0.2)
	assert.InDelta(t, 0.2*0.9, alert.FalsePositiveScore, 1e-9)
}

func TestAnomalyDiscountsFalsePositiveScore(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	calm := c.falsePositiveScore(scored("deer", 0.4, 0))
	unusual := c.falsePositiveScore(scored("deer", 0.4, 1.0))

	// A genuinely unusual sighting is less likely to be noise.
	assert.Less(t, unusual, calm)
}

func TestClassifyFiltersOnThresholdAndEnvironment(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	s := scored("deer", 0.2, 0)
	s.Event.Context = map[string]string{
		detection.ContextWindSpeed:  "35",
		detection.ContextVisibility: "10",
	}

	result := c.Classify(s, testParams())

	require.NotNil(t, result.Filtered)
	assert.Nil(t, result.Alert)
	assert.Contains(t, result.Filtered.FilterReason, "exceeds threshold")
	assert.Contains(t, result.Filtered.FilterReason, "wind speed")
	assert.Contains(t, result.Filtered.FilterReason, "visibility")
	assert.Contains(t, result.Filtered.FilterReason, "no temporal corroboration")
}

func TestClassifyHighFalsePositiveAloneIsNotFiltered(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	// Low composite but corroborated and in benign context: demoted to
	// INFO, not filtered.
	s := scored("deer", 0.2, 0)
	s.TemporalConsistency = 0.4

	result := c.Classify(s, testParams())

	require.NotNil(t, result.Alert)
	assert.Equal(t, datastore.SeverityInfo, result.Alert.Severity)
}

func TestClassifyIsolatedLowConfidenceIsFiltered(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	// No corroborating frames and no environmental context at all: the
	// lack of corroboration is itself the contextual failure.
	result := c.Classify(scored("deer", 0.3, 0), testParams())

	require.NotNil(t, result.Filtered)
	assert.Nil(t, result.Alert)
	assert.Contains(t, result.Filtered.FilterReason, "no temporal corroboration")

	// A zero-confidence detection is always filtered.
	result = c.Classify(scored("deer", 0, 0), testParams())
	require.NotNil(t, result.Filtered)
	assert.InDelta(t, 1.0, result.Filtered.FalsePositiveScore, 1e-9)
}

func TestClassifyBadEnvironmentAloneIsNotFiltered(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	s := scored("wolf", 0.9, 0)
	s.Event.Context = map[string]string{detection.ContextWindSpeed: "35"}

	result := c.Classify(s, testParams())

	require.NotNil(t, result.Alert)
}

func TestClassifyZeroConfidenceIsFilteredInBadConditions(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	s := scored("deer", 0, 0)
	s.Event.Context = map[string]string{detection.ContextTemperature: "-40"}

	result := c.Classify(s, testParams())

	require.NotNil(t, result.Filtered)
	assert.InDelta(t, 1.0, result.Filtered.FalsePositiveScore, 1e-9)
}

func TestClassifyUsesAdaptiveThreshold(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	s := scored("raccoon", 0.45, 0)
	s.Event.Context = map[string]string{detection.ContextVisibility: "10"}
	params := testParams()

	// Default threshold 0.6: fp score 0.55 passes.
	result := c.Classify(s, params)
	require.NotNil(t, result.Alert)

	// The feedback loop tightened this key's threshold below the score.
	params.FilterThresholds[adaptive.Key{CameraID: "cam-1", SpeciesKey: "raccoon"}] = 0.4
	result = c.Classify(s, params)
	require.NotNil(t, result.Filtered)
}

func TestSupersedeUpgradesInPlace(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	original := c.Classify(scored("wolf", 0.6, 0), testParams()).Alert
	require.Equal(t, datastore.SeverityWarning, original.Severity)

	// A later, higher-confidence correction for the same detection.
	upgraded := c.Supersede(original, scored("wolf", 0.9, 0))

	assert.True(t, upgraded)
	assert.Equal(t, datastore.SeverityCritical, original.Severity)
	assert.InDelta(t, 0.9, original.CompositeConfidence, 1e-9)
}

func TestSupersedeIgnoresLowerConfidence(t *testing.T) {
	t.Parallel()
	c := New(testSettings(), nil)

	original := c.Classify(scored("wolf", 0.8, 0), testParams()).Alert

	assert.False(t, c.Supersede(original, scored("wolf", 0.7, 0)))
	assert.Equal(t, datastore.SeverityCritical, original.Severity)
}
