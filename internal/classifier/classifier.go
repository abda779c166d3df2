// Package classifier decides whether a scored detection becomes a
// user-visible alert and at what severity, or is filtered with a recorded
// reason. Filtering is never silent.
package classifier

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtoivan/trailwatch-go/internal/adaptive"
	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/datastore"
	"github.com/mtoivan/trailwatch-go/internal/detection"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

// Result is the classification outcome for one scored detection. Exactly one
// of Alert and Filtered is set.
type Result struct {
	Alert    *datastore.Alert
	Filtered *datastore.FilteredDetection
}

// Classifier assigns severity tiers and applies the false positive filter.
type Classifier struct {
	settings  conf.ClassifierSettings
	emergency map[string]bool
	dangerous map[string]bool
	priority  map[string]bool
	behaviors map[string]conf.SpeciesBehavior
	logger    *slog.Logger
}

// New creates an alert classifier. The species sets are lowercased once at
// construction; behaviors supplies the per-species rare flag.
func New(settings conf.ClassifierSettings, behaviors map[string]conf.SpeciesBehavior) *Classifier {
	logger := logging.ForService("classifier")
	if logger == nil {
		logger = slog.Default().With("service", "classifier")
	}
	return &Classifier{
		settings:  settings,
		emergency: toSet(settings.EmergencySpecies),
		dangerous: toSet(settings.DangerousSpecies),
		priority:  toSet(settings.PrioritySpecies),
		behaviors: behaviors,
		logger:    logger,
	}
}

func toSet(species []string) map[string]bool {
	set := make(map[string]bool, len(species))
	for _, s := range species {
		set[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return set
}

// Classify evaluates one scored detection against the given parameter
// snapshot and returns either a promoted alert or a filtered audit record.
func (c *Classifier) Classify(scored *detection.Scored, params *adaptive.Parameters) *Result {
	event := &scored.Event
	fpScore := c.falsePositiveScore(scored)

	if reason, filtered := c.filterReason(scored, fpScore, params); filtered {
		c.logger.Debug("detection filtered",
			"camera_id", event.CameraID,
			"species", event.Species,
			"false_positive_score", fpScore,
			"reason", reason)
		return &Result{Filtered: &datastore.FilteredDetection{
			CameraID:            event.CameraID,
			Species:             event.Species,
			SpeciesKey:          event.SpeciesKey(),
			BaseConfidence:      event.BaseConfidence,
			CompositeConfidence: scored.CompositeConfidence,
			FalsePositiveScore:  fpScore,
			AnomalyScore:        scored.AnomalyScore,
			FilterReason:        reason,
			DetectedAt:          event.Timestamp,
		}}
	}

	severity := c.severity(scored)
	alert := &datastore.Alert{
		ID:                  uuid.New().String(),
		CameraID:            event.CameraID,
		Species:             event.Species,
		SpeciesKey:          event.SpeciesKey(),
		Severity:            severity,
		Priority:            severity.Priority(),
		CompositeConfidence: scored.CompositeConfidence,
		TemporalConsistency: scored.TemporalConsistency,
		SizeValidation:      scored.SizeValidation,
		EnvironmentalScore:  scored.EnvironmentalScore,
		AnomalyScore:        scored.AnomalyScore,
		FalsePositiveScore:  fpScore,
		State:               datastore.StatePromoted,
		DetectedAt:          event.Timestamp,
	}

	c.logger.Debug("detection promoted",
		"alert_id", alert.ID,
		"camera_id", event.CameraID,
		"species", event.Species,
		"severity", severity,
		"composite", scored.CompositeConfidence,
		"false_positive_score", fpScore)
	return &Result{Alert: alert}
}

// falsePositiveScore grows with (1 - compositeConfidence) and shrinks with
// the anomaly score. A genuinely unusual sighting is less likely to be noise,
// so anomaly discounts false positive likelihood rather than adding to it.
func (c *Classifier) falsePositiveScore(scored *detection.Scored) float64 {
	base := 1.0 - scored.CompositeConfidence
	discount := 1.0 - c.settings.AnomalyDiscount*scored.AnomalyScore
	if discount < 0 {
		discount = 0
	}
	score := base * discount
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// severity assigns the highest matching tier.
func (c *Classifier) severity(scored *detection.Scored) datastore.Severity {
	speciesKey := scored.Event.SpeciesKey()
	composite := scored.CompositeConfidence

	switch {
	case c.emergency[speciesKey] && composite >= c.settings.EmergencyConfidence:
		return datastore.SeverityEmergency
	case (c.dangerous[speciesKey] || c.emergency[speciesKey]) && composite >= c.settings.CriticalConfidence:
		return datastore.SeverityCritical
	case composite >= c.settings.MinConfidence || c.priority[speciesKey] || c.rare(speciesKey):
		return datastore.SeverityWarning
	default:
		return datastore.SeverityInfo
	}
}

// rare reports whether the behavior table flags the species as rare. Rare
// sightings warrant at least a WARNING regardless of confidence.
func (c *Classifier) rare(speciesKey string) bool {
	behavior, ok := c.behaviors[speciesKey]
	return ok && behavior.Rare
}

// filterReason decides whether the detection is filtered. Both conditions
// must hold: the false positive score exceeds the adaptive threshold for
// this camera/species, and a contextual check fails, where a contextual
// failure is a measured environmental bound violation or the complete
// absence of temporal corroboration. A high score alone only lowers the
// severity through the composite score.
func (c *Classifier) filterReason(scored *detection.Scored, fpScore float64, params *adaptive.Parameters) (string, bool) {
	event := &scored.Event
	threshold := params.FilterThreshold(event.CameraID, event.SpeciesKey())
	if fpScore <= threshold {
		return "", false
	}

	envReason, envFailed := c.environmentalFailure(event)
	isolated := scored.TemporalConsistency == 0
	if !envFailed && !isolated {
		return "", false
	}

	var context []string
	if envFailed {
		context = append(context, envReason)
	}
	if isolated {
		context = append(context, "no temporal corroboration")
	}
	return fmt.Sprintf("false positive score %.2f exceeds threshold %.2f and %s",
		fpScore, threshold, strings.Join(context, "; ")), true
}

// environmentalFailure checks the event context against the configured
// environmental bounds. Missing context values pass; only measured extremes
// fail.
func (c *Classifier) environmentalFailure(event *detection.Event) (string, bool) {
	bounds := c.settings.Environmental
	var failures []string

	if temp, ok := event.ContextFloat(detection.ContextTemperature); ok {
		if temp < bounds.MinTemperature || temp > bounds.MaxTemperature {
			failures = append(failures, fmt.Sprintf("temperature %.1fC outside [%.1f, %.1f]",
				temp, bounds.MinTemperature, bounds.MaxTemperature))
		}
	}
	if wind, ok := event.ContextFloat(detection.ContextWindSpeed); ok && wind > bounds.MaxWindSpeed {
		failures = append(failures, fmt.Sprintf("wind speed %.1fm/s exceeds %.1f", wind, bounds.MaxWindSpeed))
	}
	if visibility, ok := event.ContextFloat(detection.ContextVisibility); ok && visibility < bounds.MinVisibility {
		failures = append(failures, fmt.Sprintf("visibility %.0fm below %.0f", visibility, bounds.MinVisibility))
	}

	if len(failures) == 0 {
		return "", false
	}
	return strings.Join(failures, "; "), true
}

// Supersede applies a later, higher-confidence classification of the same
// physical detection to an existing alert instead of creating a second one.
// The alert keeps its identity; severity and scores are upgraded in place.
func (c *Classifier) Supersede(alert *datastore.Alert, scored *detection.Scored) bool {
	if scored.CompositeConfidence <= alert.CompositeConfidence {
		return false
	}
	severity := c.severity(scored)
	if severity.Priority() < alert.Priority {
		severity = alert.Severity
	}

	alert.CompositeConfidence = scored.CompositeConfidence
	alert.TemporalConsistency = scored.TemporalConsistency
	alert.SizeValidation = scored.SizeValidation
	alert.EnvironmentalScore = scored.EnvironmentalScore
	alert.AnomalyScore = scored.AnomalyScore
	alert.FalsePositiveScore = c.falsePositiveScore(scored)
	alert.Severity = severity
	alert.Priority = severity.Priority()
	alert.UpdatedAt = time.Now()
	return true
}

// DangerousSpecies reports whether the species belongs to either danger set.
func (c *Classifier) DangerousSpecies(speciesKey string) bool {
	return c.dangerous[speciesKey] || c.emergency[speciesKey]
}
