package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := &conf.Settings{}
	s.Main.Name = "test-node"
	s.Output.SQLite.Enabled = true
	s.Output.SQLite.Path = filepath.Join(t.TempDir(), "trailwatch.db")

	s.Engine.IngressQueueSize = 64
	s.Engine.Scoring = conf.ScoringSettings{
		Weights: conf.ScoringWeights{
			Base:          0.4,
			Temporal:      0.25,
			Size:          0.15,
			Environmental: 0.2,
		},
		TemporalWindowSec:    10,
		TemporalFrames:       3,
		CorroborationMin:     0.2,
		NeutralEnvironmental: 0.5,
	}
	s.Engine.Anomaly = conf.AnomalySettings{
		SaturationZ:       2.5,
		Epsilon:           0.01,
		SmoothingAlpha:    0.3,
		MinSamples:        5,
		ColdStartCap:      0.5,
		RateWindowMinutes: 10,
	}
	s.Engine.Classifier = conf.ClassifierSettings{
		MinConfidence:       0.25,
		FilterThreshold:     0.6,
		AnomalyDiscount:     0,
		EmergencySpecies:    []string{"brown bear"},
		DangerousSpecies:    []string{"wolf"},
		EmergencyConfidence: 0.9,
		CriticalConfidence:  0.75,
	}
	s.Engine.Classifier.Environmental = conf.EnvironmentalBounds{
		MinTemperature: -30,
		MaxTemperature: 45,
		MaxWindSpeed:   25,
		MinVisibility:  25,
	}
	s.Engine.Correlation.WindowSeconds = 600
	s.Engine.Dispatch = conf.DispatchSettings{
		MaxAlertsPerHour: 50,
		Burst:            20,
		SendTimeoutSec:   1,
		Workers:          1,
	}
	s.Engine.Context.HistoryWindowSec = 60
	return s
}

func startEngine(t *testing.T) (*Engine, datastore.Interface) {
	t.Helper()
	settings := testSettings(t)

	store := datastore.New(settings)
	require.NotNil(t, store)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	eng, err := New(settings, store, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng, store
}

func wolfEvent(at time.Time) *detection.Event {
	return &detection.Event{
		CameraID:       "cam-1",
		Species:        "Wolf",
		BaseConfidence: 0.9,
		BoundingBox:    &detection.BoundingBox{X: 0.1, Y: 0.1, Width: 0.15, Height: 0.2},
		Timestamp:      at,
		Context: map[string]string{
			detection.ContextTemperature: "12",
			detection.ContextWindSpeed:   "4",
		},
	}
}

func alertCount(store datastore.Interface) int64 {
	_, total, err := store.SearchAlerts(&datastore.AlertFilter{Limit: 100})
	if err != nil {
		return -1
	}
	return total
}

func TestIngestPromotesConfidentDetection(t *testing.T) {
	eng, store := startEngine(t)

	require.NoError(t, eng.Ingest(wolfEvent(time.Now())))

	require.Eventually(t, func() bool {
		return alertCount(store) == 1
	}, 2*time.Second, 10*time.Millisecond)

	alerts, _, err := store.SearchAlerts(&datastore.AlertFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	alert := alerts[0]

	assert.Equal(t, "wolf", alert.SpeciesKey)
	assert.NotEqual(t, datastore.StateFiltered, alert.State)
	assert.NotEqual(t, datastore.StateDuplicate, alert.State)
	assert.Greater(t, alert.CompositeConfidence, 0.25)
	assert.True(t, alert.Severity.Valid())
}

func TestIngestFiltersImplausibleDetection(t *testing.T) {
	eng, store := startEngine(t)

	// Zero model confidence in impossible conditions: filtered with an audit
	// record, never a user-visible alert.
	event := &detection.Event{
		CameraID:       "cam-1",
		Species:        "Wolf",
		BaseConfidence: 0,
		Timestamp:      time.Now(),
		Context: map[string]string{
			detection.ContextTemperature: "-40",
		},
	}
	require.NoError(t, eng.Ingest(event))

	require.Eventually(t, func() bool {
		count, err := store.CountFilteredSince(time.Now().Add(-time.Minute), "cam-1")
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 0, alertCount(store))
}

func TestIngestDeduplicatesRepeatedDetections(t *testing.T) {
	eng, store := startEngine(t)

	now := time.Now()
	require.NoError(t, eng.Ingest(wolfEvent(now)))
	require.NoError(t, eng.Ingest(wolfEvent(now.Add(time.Second))))

	require.Eventually(t, func() bool {
		return alertCount(store) == 2
	}, 2*time.Second, 10*time.Millisecond)

	alerts, _, err := store.SearchAlerts(&datastore.AlertFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	duplicates := 0
	for _, alert := range alerts {
		if alert.State == datastore.StateDuplicate {
			duplicates++
			assert.NotEmpty(t, alert.DuplicateOf)
		}
	}
	assert.Equal(t, 1, duplicates)
}

func TestIngestRejectsMalformedEvent(t *testing.T) {
	eng, store := startEngine(t)

	err := eng.Ingest(&detection.Event{CameraID: "cam-1", Timestamp: time.Now()})
	require.Error(t, err)
	assert.EqualValues(t, 0, alertCount(store))
}

func TestStopCheckpointsBaselines(t *testing.T) {
	settings := testSettings(t)

	store := datastore.New(settings)
	require.NotNil(t, store)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	eng, err := New(settings, store, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	require.NoError(t, eng.Ingest(wolfEvent(time.Now())))
	require.Eventually(t, func() bool {
		return alertCount(store) == 1
	}, 2*time.Second, 10*time.Millisecond)

	eng.Stop()

	records, err := store.GetBaselines()
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}
