// Package feedback implements the adaptation loop: it periodically
// aggregates user feedback and recomputes filter thresholds and ensemble
// weight nudges, publishing them as atomic parameter snapshots. The loop
// never runs on the detection hot path.
package feedback

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/adaptive"
	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/errors"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

// Feedback rate bands. Above the high band a key accumulates false
// positives and its threshold tightens; below the low band the key is
// reliable and the threshold relaxes.
const (
	highFalsePositiveRate = 0.5
	lowFalsePositiveRate  = 0.2
)

// Loop is the timer-driven adaptation task.
type Loop struct {
	settings conf.AdaptationSettings
	store    datastore.Interface
	params   *adaptive.Store
	logger   *slog.Logger
}

// New creates the adaptation loop.
func New(settings conf.AdaptationSettings, store datastore.Interface, params *adaptive.Store) *Loop {
	logger := logging.ForService("feedback")
	if logger == nil {
		logger = slog.Default().With("service", "feedback")
	}
	return &Loop{
		settings: settings,
		store:    store,
		params:   params,
		logger:   logger,
	}
}

// Start runs the loop until the context is cancelled.
func (l *Loop) Start(ctx context.Context) {
	if !l.settings.Enabled {
		return
	}
	interval := time.Duration(l.settings.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Recompute(); err != nil {
				// A failed recomputation leaves the previous snapshot in
				// effect; the engine never falls open to unfiltered defaults.
				l.logger.Error("parameter recomputation failed, keeping previous snapshot",
					"error", err)
			}
		}
	}
}

// keyStats aggregates feedback for one camera/species pair.
type keyStats struct {
	total          int
	falsePositives int
}

// Recompute aggregates the trailing feedback window and publishes a new
// parameter snapshot.
func (l *Loop) Recompute() error {
	since := time.Now().AddDate(0, 0, -l.settings.WindowDays)
	records, err := l.store.GetFeedbackSince(since)
	if err != nil {
		return errors.New(err).
			Component("feedback").
			Category(errors.CategoryAdaptation).
			Context("window_days", l.settings.WindowDays).
			Build()
	}
	if len(records) == 0 {
		return nil
	}

	stats, overall, err := l.aggregate(records)
	if err != nil {
		return err
	}

	next := l.params.Current().Clone()
	adjusted := l.adjustThresholds(next, stats)
	l.nudgeWeights(next, overall)
	l.params.Publish(next)

	l.logger.Info("adaptive parameters published",
		"version", next.Version,
		"feedback_records", len(records),
		"keys_adjusted", adjusted)
	return nil
}

// aggregate groups feedback records by camera/species. Records whose alert
// cannot be loaded are skipped; one bad record never fails the cycle.
func (l *Loop) aggregate(records []datastore.FeedbackRecord) (map[adaptive.Key]*keyStats, keyStats, error) {
	stats := make(map[adaptive.Key]*keyStats)
	var overall keyStats

	alerts := make(map[string]*datastore.Alert)
	for i := range records {
		record := &records[i]
		alert, ok := alerts[record.AlertID]
		if !ok {
			loaded, err := l.store.GetAlert(record.AlertID)
			if err != nil {
				l.logger.Warn("skipping feedback for missing alert",
					"alert_id", record.AlertID,
					"error", err)
				continue
			}
			alert = &loaded
			alerts[record.AlertID] = alert
		}

		key := adaptive.Key{CameraID: alert.CameraID, SpeciesKey: alert.SpeciesKey}
		entry, ok := stats[key]
		if !ok {
			entry = &keyStats{}
			stats[key] = entry
		}
		entry.total++
		overall.total++
		if record.IsFalsePositive {
			entry.falsePositives++
			overall.falsePositives++
		}
	}
	return stats, overall, nil
}

// adjustThresholds moves each key's filter threshold by one bounded step.
// Many false positives lower the threshold so more detections get filtered;
// consistently accurate alerts raise it toward permissive.
func (l *Loop) adjustThresholds(params *adaptive.Parameters, stats map[adaptive.Key]*keyStats) int {
	adjusted := 0
	for key, entry := range stats {
		if entry.total < l.settings.MinFeedback {
			continue
		}
		rate := float64(entry.falsePositives) / float64(entry.total)
		current := params.FilterThreshold(key.CameraID, key.SpeciesKey)

		var next float64
		switch {
		case rate >= highFalsePositiveRate:
			next = current - l.settings.ThresholdStep
		case rate <= lowFalsePositiveRate:
			next = current + l.settings.ThresholdStep
		default:
			continue
		}
		next = clamp(next, l.settings.MinThreshold, l.settings.MaxThreshold)
		if next == current {
			continue
		}
		params.FilterThresholds[key] = next
		adjusted++
		l.logger.Debug("filter threshold adjusted",
			"camera_id", key.CameraID,
			"species", key.SpeciesKey,
			"false_positive_rate", rate,
			"threshold", next)
	}
	return adjusted
}

// nudgeWeights shifts a bounded step of weight between the base confidence
// and temporal consistency. High overall false positive rates mean the
// upstream model is over-trusted, so weight moves toward corroboration.
// Steps are small to avoid oscillation, and the weights stay normalized.
func (l *Loop) nudgeWeights(params *adaptive.Parameters, overall keyStats) {
	if overall.total < l.settings.MinFeedback {
		return
	}
	rate := float64(overall.falsePositives) / float64(overall.total)
	step := l.settings.WeightStep

	w := params.Weights
	switch {
	case rate >= highFalsePositiveRate && w.Base-step >= 0.1:
		w.Base -= step
		w.Temporal += step
	case rate <= lowFalsePositiveRate && w.Temporal-step >= 0.1:
		w.Temporal -= step
		w.Base += step
	default:
		return
	}

	// Renormalize so the composite stays a convex combination.
	sum := w.Base + w.Temporal + w.Size + w.Environmental
	if sum > 0 {
		w.Base /= sum
		w.Temporal /= sum
		w.Size /= sum
		w.Environmental /= sum
	}
	params.Weights = w

	l.logger.Debug("ensemble weights nudged",
		"false_positive_rate", rate,
		"base", w.Base,
		"temporal", w.Temporal)
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
