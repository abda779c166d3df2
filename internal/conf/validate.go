// validate.go: validation of loaded settings. Validation failures are
// configuration errors and abort startup; the engine never runs with an
// inconsistent parameter set.
package conf

import (
	"fmt"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/errors"
)

// ValidateSettings checks the loaded settings for consistency.
func ValidateSettings(settings *Settings) error {
	var validationErrors []error

	if err := validateScoringSettings(&settings.Engine.Scoring); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if err := validateAnomalySettings(&settings.Engine.Anomaly); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if err := validateClassifierSettings(&settings.Engine.Classifier); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if err := validateDispatchSettings(&settings.Engine.Dispatch); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if err := validateAdaptationSettings(&settings.Engine.Adaptation); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if settings.Engine.Correlation.WindowSeconds <= 0 {
		validationErrors = append(validationErrors,
			fmt.Errorf("correlation window must be positive, got %d", settings.Engine.Correlation.WindowSeconds))
	}
	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		validationErrors = append(validationErrors,
			fmt.Errorf("at least one datastore output must be enabled"))
	}

	if len(validationErrors) > 0 {
		return errors.New(errors.Join(validationErrors...)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func validateScoringSettings(s *ScoringSettings) error {
	sum := s.Weights.Base + s.Weights.Temporal + s.Weights.Size + s.Weights.Environmental
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.3f", sum)
	}
	for name, w := range map[string]float64{
		"base":          s.Weights.Base,
		"temporal":      s.Weights.Temporal,
		"size":          s.Weights.Size,
		"environmental": s.Weights.Environmental,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("scoring weight %s out of range [0,1]: %.3f", name, w)
		}
	}
	if s.TemporalFrames <= 0 {
		return fmt.Errorf("temporal frames must be positive, got %d", s.TemporalFrames)
	}
	if s.TemporalWindowSec <= 0 {
		return fmt.Errorf("temporal window must be positive, got %d", s.TemporalWindowSec)
	}
	return nil
}

func validateAnomalySettings(s *AnomalySettings) error {
	if s.SaturationZ <= 0 {
		return fmt.Errorf("anomaly saturation z-score must be positive, got %.3f", s.SaturationZ)
	}
	if s.Epsilon <= 0 {
		return fmt.Errorf("anomaly epsilon must be positive, got %.3f", s.Epsilon)
	}
	if s.SmoothingAlpha <= 0 || s.SmoothingAlpha >= 1 {
		return fmt.Errorf("anomaly smoothing alpha must be in (0,1), got %.3f", s.SmoothingAlpha)
	}
	if s.MinSamples < 1 {
		return fmt.Errorf("anomaly min samples must be at least 1, got %d", s.MinSamples)
	}
	if s.ColdStartCap < 0 || s.ColdStartCap > 1 {
		return fmt.Errorf("cold start cap out of range [0,1]: %.3f", s.ColdStartCap)
	}
	return nil
}

func validateClassifierSettings(s *ClassifierSettings) error {
	for name, v := range map[string]float64{
		"minconfidence":       s.MinConfidence,
		"filterthreshold":     s.FilterThreshold,
		"emergencyconfidence": s.EmergencyConfidence,
		"criticalconfidence":  s.CriticalConfidence,
		"anomalydiscount":     s.AnomalyDiscount,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("classifier %s out of range [0,1]: %.3f", name, v)
		}
	}
	if s.Environmental.MinTemperature >= s.Environmental.MaxTemperature {
		return fmt.Errorf("environmental temperature bounds inverted: min %.1f >= max %.1f",
			s.Environmental.MinTemperature, s.Environmental.MaxTemperature)
	}
	return nil
}

func validateDispatchSettings(s *DispatchSettings) error {
	if s.MaxAlertsPerHour <= 0 {
		return fmt.Errorf("max alerts per hour must be positive, got %d", s.MaxAlertsPerHour)
	}
	if s.Burst <= 0 {
		return fmt.Errorf("dispatch burst must be positive, got %d", s.Burst)
	}
	if s.SendTimeoutSec <= 0 {
		return fmt.Errorf("send timeout must be positive, got %d", s.SendTimeoutSec)
	}
	if s.RetryMax < 0 {
		return fmt.Errorf("retry max must not be negative, got %d", s.RetryMax)
	}
	if s.CircuitBreaker.MaxFailures < 1 {
		return fmt.Errorf("circuit breaker max failures must be at least 1, got %d", s.CircuitBreaker.MaxFailures)
	}
	if s.QuietHours.Enabled {
		if _, err := ParseClock(s.QuietHours.Start); err != nil {
			return fmt.Errorf("quiet hours start: %w", err)
		}
		if _, err := ParseClock(s.QuietHours.End); err != nil {
			return fmt.Errorf("quiet hours end: %w", err)
		}
	}
	return nil
}

func validateAdaptationSettings(s *AdaptationSettings) error {
	if !s.Enabled {
		return nil
	}
	if s.IntervalMinutes <= 0 {
		return fmt.Errorf("adaptation interval must be positive, got %d", s.IntervalMinutes)
	}
	if s.MinThreshold >= s.MaxThreshold {
		return fmt.Errorf("adaptation threshold bounds inverted: min %.2f >= max %.2f",
			s.MinThreshold, s.MaxThreshold)
	}
	if s.ThresholdStep <= 0 || s.ThresholdStep > 0.5 {
		return fmt.Errorf("adaptation threshold step out of range (0,0.5]: %.3f", s.ThresholdStep)
	}
	if s.WeightStep < 0 || s.WeightStep > 0.1 {
		return fmt.Errorf("adaptation weight step out of range [0,0.1]: %.3f", s.WeightStep)
	}
	return nil
}

// ParseClock parses a "HH:MM" clock string into minutes since midnight.
func ParseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
