// analytics.go: aggregate queries behind the alert analytics endpoint.
package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SpeciesBreakdown summarizes alert outcomes for one species.
type SpeciesBreakdown struct {
	SpeciesKey     string  `json:"species"`
	Alerts         int64   `json:"alerts"`
	FalsePositives int64   `json:"falsePositives"`
	Precision      float64 `json:"precision"`
}

// SeverityCount is the alert count for one severity tier.
type SeverityCount struct {
	Severity Severity `json:"severity"`
	Count    int64    `json:"count"`
}

// AnalyticsSummary is the aggregate view served by the analytics endpoint.
// Precision counts alerts with at least one false positive feedback record as
// misses; alerts without feedback are assumed correct.
type AnalyticsSummary struct {
	Since             time.Time          `json:"since"`
	CameraID          string             `json:"cameraId,omitempty"`
	TotalAlerts       int64              `json:"totalAlerts"`
	FilteredCount     int64              `json:"filteredCount"`
	FalsePositives    int64              `json:"falsePositives"`
	Acknowledged      int64              `json:"acknowledged"`
	Resolved          int64              `json:"resolved"`
	Precision         float64            `json:"precision"`
	FalsePositiveRate float64            `json:"falsePositiveRate"`
	BySeverity        []SeverityCount    `json:"bySeverity"`
	BySpecies         []SpeciesBreakdown `json:"bySpecies"`
}

// GetAnalytics computes the analytics summary for alerts detected after the
// given time, optionally restricted to one camera.
func (ds *DataStore) GetAnalytics(since time.Time, cameraID string) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{Since: since, CameraID: cameraID}

	// Each aggregate starts from a fresh query so conditions do not
	// accumulate across calls.
	scoped := func() *gorm.DB {
		q := ds.DB.Model(&Alert{}).Where("detected_at > ?", since)
		if cameraID != "" {
			q = q.Where("camera_id = ?", cameraID)
		}
		return q
	}

	if err := scoped().Count(&summary.TotalAlerts).Error; err != nil {
		return nil, fmt.Errorf("counting alerts: %w", err)
	}
	if err := scoped().Where("state = ?", StateAcknowledged).Count(&summary.Acknowledged).Error; err != nil {
		return nil, fmt.Errorf("counting acknowledged alerts: %w", err)
	}
	if err := scoped().Where("state = ?", StateResolved).Count(&summary.Resolved).Error; err != nil {
		return nil, fmt.Errorf("counting resolved alerts: %w", err)
	}

	var err error
	summary.FilteredCount, err = ds.CountFilteredSince(since, cameraID)
	if err != nil {
		return nil, err
	}

	// Alerts marked false positive by at least one feedback record.
	fpQuery := ds.DB.Model(&Alert{}).
		Where("detected_at > ?", since).
		Where("id IN (?)", ds.DB.Model(&FeedbackRecord{}).
			Select("alert_id").
			Where("is_false_positive = ?", true))
	if cameraID != "" {
		fpQuery = fpQuery.Where("camera_id = ?", cameraID)
	}
	if err := fpQuery.Count(&summary.FalsePositives).Error; err != nil {
		return nil, fmt.Errorf("counting false positive alerts: %w", err)
	}

	if summary.TotalAlerts > 0 {
		summary.Precision = float64(summary.TotalAlerts-summary.FalsePositives) / float64(summary.TotalAlerts)
		summary.FalsePositiveRate = float64(summary.FalsePositives) / float64(summary.TotalAlerts)
	}

	if err := scoped().
		Select("severity, COUNT(*) AS count").
		Group("severity").
		Scan(&summary.BySeverity).Error; err != nil {
		return nil, fmt.Errorf("grouping alerts by severity: %w", err)
	}

	if err := scoped().
		Select("alerts.species_key, COUNT(*) AS alerts, "+
			"SUM(CASE WHEN alerts.id IN (SELECT alert_id FROM feedback_records WHERE is_false_positive = ?) THEN 1 ELSE 0 END) AS false_positives",
			true).
		Group("alerts.species_key").
		Scan(&summary.BySpecies).Error; err != nil {
		return nil, fmt.Errorf("grouping alerts by species: %w", err)
	}
	for i := range summary.BySpecies {
		breakdown := &summary.BySpecies[i]
		if breakdown.Alerts > 0 {
			breakdown.Precision = float64(breakdown.Alerts-breakdown.FalsePositives) / float64(breakdown.Alerts)
		}
	}

	return summary, nil
}
