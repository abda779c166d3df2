// model.go: data model for alerts, delivery receipts, feedback, rules and
// persisted activity baselines.
package datastore

import (
	"strings"
	"time"
)

// Severity is the alert severity tier.
type Severity string

const (
	SeverityInfo      Severity = "INFO"
	SeverityWarning   Severity = "WARNING"
	SeverityCritical  Severity = "CRITICAL"
	SeverityEmergency Severity = "EMERGENCY"
)

// Priority returns the numeric dispatch ordering for the severity. Higher
// values dispatch first.
func (s Severity) Priority() int {
	switch s {
	case SeverityEmergency:
		return 4
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the severity is a known tier.
func (s Severity) Valid() bool {
	return s.Priority() > 0
}

// AlertState tracks an alert through the pipeline state machine:
// CREATED -> (FILTERED | PROMOTED) -> DISPATCHING -> DELIVERED ->
// ACKNOWLEDGED -> RESOLVED, with DUPLICATE as a terminal branch from
// PROMOTED.
type AlertState string

const (
	StateCreated      AlertState = "CREATED"
	StateFiltered     AlertState = "FILTERED"
	StatePromoted     AlertState = "PROMOTED"
	StateDuplicate    AlertState = "DUPLICATE"
	StateDispatching  AlertState = "DISPATCHING"
	StateDelivered    AlertState = "DELIVERED"
	StateAcknowledged AlertState = "ACKNOWLEDGED"
	StateResolved     AlertState = "RESOLVED"
)

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[AlertState][]AlertState{
	StateCreated:      {StateFiltered, StatePromoted},
	StatePromoted:     {StateDuplicate, StateDispatching, StateAcknowledged, StateResolved},
	StateDispatching:  {StateDelivered, StateAcknowledged, StateResolved},
	StateDelivered:    {StateAcknowledged, StateResolved},
	StateAcknowledged: {StateResolved},
}

// CanTransition reports whether moving from the current state to the target
// state is a legal state machine edge.
func (s AlertState) CanTransition(target AlertState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the alert lifecycle.
func (s AlertState) Terminal() bool {
	return s == StateFiltered || s == StateDuplicate || s == StateResolved
}

// Alert is a promoted (or filtered) detection with its classification
// results. Alerts are never deleted, only archived by the storage lifecycle
// after the retention window.
type Alert struct {
	ID                  string `gorm:"primaryKey;type:varchar(36)"`
	CameraID            string `gorm:"index:idx_alerts_camera;index:idx_alerts_camera_species"`
	Species             string
	SpeciesKey          string   `gorm:"index:idx_alerts_species;index:idx_alerts_camera_species"`
	Severity            Severity `gorm:"type:varchar(16);index:idx_alerts_severity"`
	Priority            int
	CompositeConfidence float64
	TemporalConsistency float64
	SizeValidation      float64
	EnvironmentalScore  float64
	AnomalyScore        float64
	FalsePositiveScore  float64
	IsFiltered          bool
	FilterReason        string
	DuplicateOf         string     `gorm:"type:varchar(36)"`
	CorrelationGroup    string     `gorm:"type:varchar(36);index:idx_alerts_group"`
	State               AlertState `gorm:"type:varchar(16);index:idx_alerts_state"`
	DetectedAt          time.Time  `gorm:"index:idx_alerts_detected"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	AcknowledgedAt      *time.Time
	ResolvedAt          *time.Time

	Receipts []DeliveryReceipt `gorm:"foreignKey:AlertID;references:ID;constraint:OnDelete:CASCADE"`
	Feedback []FeedbackRecord  `gorm:"foreignKey:AlertID;references:ID;constraint:OnDelete:CASCADE"`
}

// Resolved reports whether the alert has reached the RESOLVED state.
func (a *Alert) Resolved() bool {
	return a.State == StateResolved
}

// DeliveryReceipt records one delivery attempt outcome for a channel.
type DeliveryReceipt struct {
	ID        uint   `gorm:"primaryKey"`
	AlertID   string `gorm:"index;not null;type:varchar(36)"`
	Channel   string // webhook, shoutrrr, mqtt
	Target    string // channel specific destination, sanitized of secrets
	Success   bool
	Attempts  int
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
}

// FeedbackRecord is append-only user feedback on an alert's accuracy.
// Conflicting feedback from different users is kept, never overwritten; the
// adaptation loop aggregates.
type FeedbackRecord struct {
	ID              uint   `gorm:"primaryKey"`
	AlertID         string `gorm:"index;not null;type:varchar(36)"`
	UserID          string `gorm:"index"`
	IsFalsePositive bool
	Rating          int       // 1..5, 0 when not provided
	Notes           string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"index"`
}

// AlertRule is per-user, per-camera notification configuration. Rules are
// created and edited by users and read-only to the engine.
type AlertRule struct {
	ID                     uint   `gorm:"primaryKey"`
	UserID                 string `gorm:"index"`
	Name                   string
	Enabled                bool
	CameraID               string // empty matches all cameras
	Species                string // comma separated species filter, empty matches all
	Severities             string // comma separated allowed severities, empty matches all
	MinConfidence          float64
	StartHour              int // allowed delivery window, 0..23; Start==End means all hours
	EndHour                int
	WebhookEnabled         bool
	EmailEnabled           bool
	ChatEnabled            bool
	BatchAlerts            bool
	SuppressFalsePositives bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SpeciesList returns the parsed species filter set, lowercased.
func (r *AlertRule) SpeciesList() []string {
	return splitList(r.Species)
}

// SeverityList returns the parsed allowed severity set.
func (r *AlertRule) SeverityList() []Severity {
	parts := splitList(r.Severities)
	out := make([]Severity, 0, len(parts))
	for _, p := range parts {
		out = append(out, Severity(strings.ToUpper(p)))
	}
	return out
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.ToLower(strings.TrimSpace(p)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// FilteredDetection is the audit record of a detection that was filtered
// before becoming a user-visible alert. Kept for analytics and feedback
// training; filtering is never silent.
type FilteredDetection struct {
	ID                  uint   `gorm:"primaryKey"`
	CameraID            string `gorm:"index"`
	Species             string
	SpeciesKey          string `gorm:"index"`
	BaseConfidence      float64
	CompositeConfidence float64
	FalsePositiveScore  float64
	AnomalyScore        float64
	FilterReason        string
	DetectedAt          time.Time `gorm:"index"`
	CreatedAt           time.Time
}

// BaselineRecord is the persisted form of an activity baseline, checkpointed
// periodically so restarts do not reset cold-start handling.
type BaselineRecord struct {
	ID         uint   `gorm:"primaryKey"`
	CameraID   string `gorm:"uniqueIndex:idx_baseline_key"`
	SpeciesKey string `gorm:"uniqueIndex:idx_baseline_key"`
	Hour       int    `gorm:"uniqueIndex:idx_baseline_key"`
	Mean       float64
	Variance   float64
	Samples    int
	UpdatedAt  time.Time
}
