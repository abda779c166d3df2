// Package detection defines the input events of the alert pipeline. A
// DetectionEvent is produced by the upstream classifier and is immutable;
// a ScoredDetection is the pipeline's working copy carrying the sub-scores
// computed for one evaluation.
package detection

import (
	"strconv"
	"strings"
	"time"

	"github.com/mtoivan/trailwatch-go/internal/errors"
)

// Environmental context keys recognized by the scorer and classifier.
// Context is an optional free-form map; unknown keys are ignored.
const (
	ContextTemperature = "temperature" // degrees Celsius
	ContextWindSpeed   = "windSpeed"   // m/s
	ContextVisibility  = "visibility"  // meters
	ContextTimeOfDay   = "timeOfDay"   // day, night, dawn, dusk
	ContextWeather     = "weather"     // free-form condition string
)

// BoundingBox is a detection rectangle in image coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the area of the box in image coordinate units.
func (b BoundingBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Event is a raw species detection reported by the upstream classifier.
// Events are never mutated after creation.
type Event struct {
	CameraID       string            `json:"cameraId"`
	Species        string            `json:"species"`
	BaseConfidence float64           `json:"baseConfidence"`
	BoundingBox    *BoundingBox      `json:"boundingBox,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Context        map[string]string `json:"environmentalContext,omitempty"`
}

// SpeciesKey returns the normalized species name used for map lookups.
func (e *Event) SpeciesKey() string {
	return strings.ToLower(strings.TrimSpace(e.Species))
}

// ContextFloat reads a numeric context value. The second return value is
// false when the key is absent or not a number, which callers treat as
// missing context, never as an error.
func (e *Event) ContextFloat(key string) (float64, bool) {
	raw, ok := e.Context[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ContextString reads a string context value.
func (e *Event) ContextString(key string) (string, bool) {
	raw, ok := e.Context[key]
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

// Validate rejects malformed events at ingress. Invalid events never enter
// the scoring pipeline.
func (e *Event) Validate() error {
	switch {
	case strings.TrimSpace(e.Species) == "":
		return errValidation("species is required", e)
	case strings.TrimSpace(e.CameraID) == "":
		return errValidation("cameraId is required", e)
	case e.Timestamp.IsZero():
		return errValidation("timestamp is required", e)
	case e.BaseConfidence < 0 || e.BaseConfidence > 1:
		return errValidation("baseConfidence out of range [0,1]", e)
	}
	return nil
}

func errValidation(msg string, e *Event) error {
	return errors.Newf("invalid detection event: %s", msg).
		Component("detection").
		Category(errors.CategoryValidation).
		Context("camera_id", e.CameraID).
		Context("species", e.Species).
		Build()
}

// Scored is a detection event with the sub-scores computed during one
// pipeline evaluation. Scored values are owned by the pipeline and not
// persisted independently.
type Scored struct {
	Event               Event
	CompositeConfidence float64
	TemporalConsistency float64
	SizeValidation      float64
	EnvironmentalScore  float64
	AnomalyScore        float64
	TemporalAnomaly     bool // hour-of-day bucket with near-zero baseline
}
